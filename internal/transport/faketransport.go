package transport

import (
	"context"
	"fmt"
	"sync"
)

// FakeTransport is a deterministic, single-process stand-in for the RDMA
// fabric, used by internal/connection and internal/sender tests. Writes
// complete synchronously and are queued for PollCQ to drain, mirroring
// how the teacher tests rafthttp against a fake http.RoundTripper rather
// than a real socket.
type FakeTransport struct {
	mu          sync.Mutex
	peers       map[string]*fakeEndpoint
	completions map[Endpoint][]Completion
	recvQueues  map[Endpoint][][]byte
	buffers     map[Endpoint][]byte // remote-write landing buffer, keyed by endpoint
}

type fakeEndpoint struct {
	name string
}

func (e *fakeEndpoint) String() string { return e.name }

// NewFakeTransport creates an empty fake fabric.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		peers:       make(map[string]*fakeEndpoint),
		completions: make(map[Endpoint][]Completion),
		recvQueues:  make(map[Endpoint][][]byte),
		buffers:     make(map[Endpoint][]byte),
	}
}

func (f *FakeTransport) OpenDomain() (Domain, error) { return &fakeDomain{}, nil }

type fakeDomain struct{}

func (d *fakeDomain) RegisterMemory(region []byte, flags MRFlags) (MemoryRegion, error) {
	return MemoryRegion{RemoteKey: 1}, nil
}
func (d *fakeDomain) CloseMemory(mr MemoryRegion) error { return nil }

func (f *FakeTransport) Endpoint(ctx context.Context, peer string) (Endpoint, error) {
	if peer == "" {
		return nil, ErrFabricUnreachable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := &fakeEndpoint{name: peer}
	f.peers[peer] = ep
	f.buffers[ep] = make([]byte, 1<<20)
	return ep, nil
}

func (f *FakeTransport) Disconnect(ep Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.completions, ep)
	delete(f.recvQueues, ep)
	delete(f.buffers, ep)
	return nil
}

// PostWrite copies segments into the endpoint's landing buffer at
// remoteAddr and immediately queues a success completion.
func (f *FakeTransport) PostWrite(ep Endpoint, segments [][]byte, remoteAddr uint64, remoteKey uint32, wrID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.buffers[ep]
	if !ok {
		return fmt.Errorf("faketransport: unknown endpoint %v", ep)
	}
	off := remoteAddr
	for _, seg := range segments {
		if off+uint64(len(seg)) > uint64(len(buf)) {
			return fmt.Errorf("faketransport: write past end of buffer")
		}
		copy(buf[off:], seg)
		off += uint64(len(seg))
	}
	f.completions[ep] = append(f.completions[ep], Completion{WRID: wrID, Status: StatusSuccess})
	return nil
}

func (f *FakeTransport) PostTaggedSend(ep Endpoint, msg []byte, tag uint64, wrID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), msg...)
	f.recvQueues[ep] = append(f.recvQueues[ep], cp)
	f.completions[ep] = append(f.completions[ep], Completion{WRID: wrID, Status: StatusSuccess})
	return nil
}

func (f *FakeTransport) PostTaggedRecv(ep Endpoint, buf []byte, tag uint64, wrID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.recvQueues[ep]
	if len(queue) == 0 {
		return fmt.Errorf("faketransport: no queued message for recv")
	}
	msg := queue[0]
	f.recvQueues[ep] = queue[1:]
	n := copy(buf, msg)
	_ = n
	f.completions[ep] = append(f.completions[ep], Completion{WRID: wrID, Status: StatusSuccess})
	return nil
}

func (f *FakeTransport) PollCQ(ep Endpoint) ([]Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.completions[ep]
	f.completions[ep] = nil
	return out, nil
}

// LandingBuffer exposes the raw bytes an endpoint has received, for test
// assertions about gather-list reconstruction (spec §8 invariant 4).
func (f *FakeTransport) LandingBuffer(ep Endpoint) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers[ep]
}

// Package ringbuf implements the DualRingBuffer view of spec §4.A: a
// power-of-two-sized descriptor ring paired with a power-of-two-sized
// data ring, mask-indexed, with a monotone write-index reporter and a
// monotone read-index setter. This package owns no memory of its own —
// it is a view over slices the caller (the producer's FLIB mapping, or
// a test fixture) already owns, mirroring how the teacher's tracker
// package tracks cursors without owning the raft log storage itself.
package ringbuf

import "fmt"

// MicrosliceDescriptor is the fixed-size record described in spec §3.
type MicrosliceDescriptor struct {
	Offset uint64
	Size   uint64
}

// Cursors holds the four logical positions maintained per ring side.
// Invariant: CachedAcked <= Acked <= Sent <= Written <= CachedAcked+size.
type Cursors struct {
	Written     uint64
	Sent        uint64
	Acked       uint64
	CachedAcked uint64
}

func (c Cursors) validate(size uint64) error {
	if !(c.CachedAcked <= c.Acked && c.Acked <= c.Sent && c.Sent <= c.Written) {
		return fmt.Errorf("ringbuf: cursor invariant broken: %+v", c)
	}
	if c.Written > c.CachedAcked+size {
		return fmt.Errorf("ringbuf: written %d overtakes cached_acked+size (%d+%d)", c.Written, c.CachedAcked, size)
	}
	return nil
}

// View is a mask-indexed ring over elements of type T. Capacity must be a
// power of two.
type View[T any] struct {
	elems []T
	mask  uint64
}

// NewView wraps elems as a ring view. len(elems) must be a power of two.
func NewView[T any](elems []T) (*View[T], error) {
	n := uint64(len(elems))
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("ringbuf: capacity %d is not a power of two", n)
	}
	return &View[T]{elems: elems, mask: n - 1}, nil
}

// At returns the element at logical index i mod size. No bounds check
// beyond the ring mask: callers are responsible for the cursor invariant.
func (v *View[T]) At(i uint64) T { return v.elems[i&v.mask] }

// Size returns the ring capacity in elements.
func (v *View[T]) Size() uint64 { return uint64(len(v.elems)) }

// SizeMask returns capacity-1, for callers building their own index math.
func (v *View[T]) SizeMask() uint64 { return v.mask }

// Wraps reports whether placing length elements starting at offset would
// straddle the ring boundary.
func Wraps(offset, length, mask uint64) bool {
	if length == 0 {
		return false
	}
	return (offset & mask) > ((offset + length - 1) & mask)
}

// Slice returns 1 or 2 backing slices covering the logical range
// [offset, offset+length) mod capacity, in order. It never copies.
func (v *View[T]) Slice(offset, length uint64) [][]T {
	if length == 0 {
		return nil
	}
	cap64 := uint64(len(v.elems))
	start := offset & v.mask
	end := start + length
	if end <= cap64 {
		return [][]T{v.elems[start:end]}
	}
	return [][]T{v.elems[start:cap64], v.elems[:end-cap64]}
}

// StageCopier stages a slice from the producer's region into the
// transport-registered region, when those two regions are distinct.
// A nil StageCopier means the regions are unified and staging is a no-op.
type StageCopier func(offset, count uint64)

// DualRingBuffer pairs the descriptor and data ring views with their
// cursors and enforces the monotone read-index publication rule.
type DualRingBuffer struct {
	Desc *View[MicrosliceDescriptor]
	Data *View[byte]

	descCursors Cursors
	dataCursors Cursors

	stageDesc StageCopier
	stageData StageCopier
}

// New builds a DualRingBuffer over the given descriptor and data ring
// views. Either StageCopier may be nil.
func New(desc *View[MicrosliceDescriptor], data *View[byte], stageDesc, stageData StageCopier) *DualRingBuffer {
	return &DualRingBuffer{Desc: desc, Data: data, stageDesc: stageDesc, stageData: stageData}
}

// Observe records the producer's current write-index for both rings.
// Called by the producer pump (data_source.proceed() in spec §4.F).
// Written must be monotone nondecreasing on both rings.
func (d *DualRingBuffer) Observe(descWritten, dataWritten uint64) error {
	if descWritten < d.descCursors.Written {
		return fmt.Errorf("ringbuf: desc write-index went backwards: %d < %d", descWritten, d.descCursors.Written)
	}
	if dataWritten < d.dataCursors.Written {
		return fmt.Errorf("ringbuf: data write-index went backwards: %d < %d", dataWritten, d.dataCursors.Written)
	}
	d.descCursors.Written = descWritten
	d.dataCursors.Written = dataWritten
	return nil
}

// WriteIndex returns the current producer high-water marks.
func (d *DualRingBuffer) WriteIndex() (desc, data uint64) {
	return d.descCursors.Written, d.dataCursors.Written
}

// MarkSent advances the sent cursors after a gather-list write has been
// submitted for the given descriptor/data ranges.
func (d *DualRingBuffer) MarkSent(descTo, dataTo uint64) error {
	if descTo < d.descCursors.Sent || dataTo < d.dataCursors.Sent {
		return fmt.Errorf("ringbuf: sent cursor went backwards")
	}
	d.descCursors.Sent, d.dataCursors.Sent = descTo, dataTo
	return nil
}

// MarkAcked advances the acked cursors once a peer has confirmed receipt.
func (d *DualRingBuffer) MarkAcked(descTo, dataTo uint64) error {
	if descTo < d.descCursors.Acked || dataTo < d.dataCursors.Acked {
		return fmt.Errorf("ringbuf: acked cursor went backwards")
	}
	d.descCursors.Acked, d.dataCursors.Acked = descTo, dataTo
	return nil
}

// SetReadIndex publishes the consumer low-water back to the producer.
// It is idempotent for the same argument and must never be called with a
// value that decreases either cursor.
func (d *DualRingBuffer) SetReadIndex(descIdx, dataIdx uint64) error {
	if descIdx < d.descCursors.CachedAcked || dataIdx < d.dataCursors.CachedAcked {
		return fmt.Errorf("ringbuf: set_read_index is not monotone: (%d,%d) < (%d,%d)",
			descIdx, dataIdx, d.descCursors.CachedAcked, d.dataCursors.CachedAcked)
	}
	if descIdx > d.descCursors.Acked || dataIdx > d.dataCursors.Acked {
		return fmt.Errorf("ringbuf: set_read_index published ahead of acked: (%d,%d) > (%d,%d)",
			descIdx, dataIdx, d.descCursors.Acked, d.dataCursors.Acked)
	}
	d.descCursors.CachedAcked = descIdx
	d.dataCursors.CachedAcked = dataIdx
	return d.validate()
}

// CachedReadIndex returns the last value published via SetReadIndex.
func (d *DualRingBuffer) CachedReadIndex() (desc, data uint64) {
	return d.descCursors.CachedAcked, d.dataCursors.CachedAcked
}

// CopyToSendBuffer stages descriptor and data slices into the
// transport-registered region ahead of a gather-list submission.
func (d *DualRingBuffer) CopyToSendBuffer(descOffset, descCount, dataOffset, dataCount uint64) {
	if d.stageDesc != nil {
		d.stageDesc(descOffset, descCount)
	}
	if d.stageData != nil {
		d.stageData(dataOffset, dataCount)
	}
}

func (d *DualRingBuffer) validate() error {
	if err := d.descCursors.validate(d.Desc.Size()); err != nil {
		return err
	}
	return d.dataCursors.validate(d.Data.Size())
}

// DescCursors and DataCursors expose the cursor snapshot for status
// reporting (report_status percentages, spec §4.F step 3).
func (d *DualRingBuffer) DescCursors() Cursors { return d.descCursors }
func (d *DualRingBuffer) DataCursors() Cursors { return d.dataCursors }

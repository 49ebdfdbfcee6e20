// Package wire defines the fixed-layout, little-endian on-wire records
// exchanged between an input node and a compute node (payload header,
// status message, heartbeat message). These are written directly into
// registered memory at byte offsets computed by the sender, so they are
// encoded with encoding/binary rather than a reflection-based codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PayloadHeader precedes every timeslice write: desc_length descriptor
// records followed by data_length bytes of payload, all placed at the
// peer's write cursor after skip bytes of padding.
type PayloadHeader struct {
	Timeslice  uint64
	DescLength uint32
	DataLength uint32
	Skip       uint32
}

const PayloadHeaderSize = 8 + 4 + 4 + 4

func (h PayloadHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PayloadHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Timeslice)
	binary.LittleEndian.PutUint32(buf[8:12], h.DescLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.Skip)
	return buf, nil
}

func (h *PayloadHeader) UnmarshalBinary(b []byte) error {
	if len(b) < PayloadHeaderSize {
		return fmt.Errorf("wire: short payload header (%d bytes)", len(b))
	}
	h.Timeslice = binary.LittleEndian.Uint64(b[0:8])
	h.DescLength = binary.LittleEndian.Uint32(b[8:12])
	h.DataLength = binary.LittleEndian.Uint32(b[12:16])
	h.Skip = binary.LittleEndian.Uint32(b[16:20])
	return nil
}

// IntervalMeta mirrors §3's IntervalMeta / InputInterval negotiation record.
type IntervalMeta struct {
	IntervalIndex      uint64
	StartTS            uint64
	EndTS              uint64
	ProposedStartUS    int64
	ProposedDurationUS int64
}

const intervalMetaSize = 8*3 + 8*2

// StatusMessageSize is the fixed encoded length of a StatusMessage,
// used to size the receive buffer a Connection posts for it.
const StatusMessageSize = 8 + 8 + 1 + 1 + 1 + 4 + 64 + intervalMetaSize + 8

func (m IntervalMeta) marshalInto(w *bytes.Buffer) error {
	return binary.Write(w, binary.LittleEndian, m)
}

// StatusMessage is the fixed-layout, bidirectional per-connection record
// described in spec §6.
type StatusMessage struct {
	AckDesc              uint64
	AckData              uint64
	RequestAbort         bool
	Final                bool
	Connect              bool
	Info                 uint32
	MyAddress            [64]byte
	ProposedIntervalMeta IntervalMeta
	OverallMedianLatency uint64 // microseconds
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MarshalBinary packs the status message in the order fields are declared
// in spec §6, little-endian, no padding beyond the fixed 64-byte address.
func (s StatusMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(8 + 8 + 1 + 1 + 1 + 4 + 64 + intervalMetaSize + 8)
	if err := binary.Write(&buf, binary.LittleEndian, s.AckDesc); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, s.AckData); err != nil {
		return nil, err
	}
	buf.WriteByte(boolByte(s.RequestAbort))
	buf.WriteByte(boolByte(s.Final))
	buf.WriteByte(boolByte(s.Connect))
	if err := binary.Write(&buf, binary.LittleEndian, s.Info); err != nil {
		return nil, err
	}
	buf.Write(s.MyAddress[:])
	if err := s.ProposedIntervalMeta.marshalInto(&buf); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, s.OverallMedianLatency); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *StatusMessage) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &s.AckDesc); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.AckData); err != nil {
		return err
	}
	flags := make([]byte, 3)
	if _, err := r.Read(flags); err != nil {
		return err
	}
	s.RequestAbort, s.Final, s.Connect = flags[0] != 0, flags[1] != 0, flags[2] != 0
	if err := binary.Read(r, binary.LittleEndian, &s.Info); err != nil {
		return err
	}
	if _, err := r.Read(s.MyAddress[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.ProposedIntervalMeta); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &s.OverallMedianLatency)
}

// HeartbeatMessage is the liveness record transmitted on a dedicated tag.
type HeartbeatMessage struct {
	MessageID   uint64
	TimestampUS int64
	Alive       bool
}

const heartbeatMessageSize = 8 + 8 + 1

func (h HeartbeatMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, heartbeatMessageSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.MessageID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.TimestampUS))
	buf[16] = boolByte(h.Alive)
	return buf, nil
}

func (h *HeartbeatMessage) UnmarshalBinary(b []byte) error {
	if len(b) < heartbeatMessageSize {
		return fmt.Errorf("wire: short heartbeat message (%d bytes)", len(b))
	}
	h.MessageID = binary.LittleEndian.Uint64(b[0:8])
	h.TimestampUS = int64(binary.LittleEndian.Uint64(b[8:16]))
	h.Alive = b[16] != 0
	return nil
}

package logbuffer

import (
	"encoding/binary"
)

// Data frame layout (little-endian):
//
//	0:  frame length  (int32, includes header)
//	4:  version       (uint8)
//	5:  flags         (uint8)
//	6:  type          (uint16)
//	8:  term offset   (int32)
//	12: session id    (int32)
//	16: stream id     (int32)
//	20: term id       (int32)
//	24: reserved      (int64)
//	32: payload
const (
	// FrameAlignment is the byte boundary every frame and every valid
	// position must fall on.
	FrameAlignment = 32

	// DataHeaderLength is the length of the data frame header, equal to
	// FrameAlignment so a header never straddles an alignment boundary.
	DataHeaderLength = 32

	frameLengthOffset   = 0
	versionOffset       = 4
	flagsOffset         = 5
	typeOffset          = 6
	termOffsetOffset    = 8
	sessionIDOffset     = 12
	streamIDOffset      = 16
	termIDOffset        = 20
	reservedValueOffset = 24
)

// Frame types.
const (
	FrameTypePad  uint16 = 0x00
	FrameTypeData uint16 = 0x01
)

// Fragment flags.
const (
	FlagBeginFragment uint8 = 0x80
	FlagEndFragment   uint8 = 0x40
	FlagUnfragmented  uint8 = FlagBeginFragment | FlagEndFragment
)

// CurrentVersion is the frame protocol version written by this client.
const CurrentVersion uint8 = 0x01

// AlignFrameLength rounds a frame length up to the next FrameAlignment
// boundary.
func AlignFrameLength(length int32) int32 {
	return (length + (FrameAlignment - 1)) &^ (FrameAlignment - 1)
}

// Header is a read-only view over one frame's metadata within the log
// buffer. It aliases the mapped memory rather than copying it, so it is
// only valid until the poll callback it was handed to returns.
type Header struct {
	buf                 []byte
	initialTermID       int32
	positionBitsToShift uint8
}

// NewHeader wraps the given frame bytes. The slice must start at the
// frame's first header byte and hold at least DataHeaderLength bytes.
func NewHeader(buf []byte, initialTermID int32, positionBitsToShift uint8) Header {
	return Header{buf: buf, initialTermID: initialTermID, positionBitsToShift: positionBitsToShift}
}

func (h Header) FrameLength() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[frameLengthOffset:]))
}

func (h Header) Version() uint8 {
	return h.buf[versionOffset]
}

func (h Header) Flags() uint8 {
	return h.buf[flagsOffset]
}

func (h Header) Type() uint16 {
	return binary.LittleEndian.Uint16(h.buf[typeOffset:])
}

func (h Header) TermOffset() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[termOffsetOffset:]))
}

func (h Header) SessionID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[sessionIDOffset:]))
}

func (h Header) StreamID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[streamIDOffset:]))
}

func (h Header) TermID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[termIDOffset:]))
}

func (h Header) ReservedValue() int64 {
	return int64(binary.LittleEndian.Uint64(h.buf[reservedValueOffset:]))
}

// Position returns the stream position at the end of this frame, i.e.
// the subscriber position after the frame has been consumed.
func (h Header) Position() int64 {
	termOffset := int64(h.TermOffset()) + int64(AlignFrameLength(h.FrameLength()))
	return (int64(h.TermID()-h.initialTermID) << h.positionBitsToShift) + termOffset
}

func putFrameHeader(buf []byte, frameLength, termOffset, sessionID, streamID, termID int32, frameType uint16, flags uint8, reserved uint64) {
	buf[versionOffset] = CurrentVersion
	buf[flagsOffset] = flags
	binary.LittleEndian.PutUint16(buf[typeOffset:], frameType)
	binary.LittleEndian.PutUint32(buf[termOffsetOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(buf[sessionIDOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(buf[streamIDOffset:], uint32(streamID))
	binary.LittleEndian.PutUint32(buf[termIDOffset:], uint32(termID))
	binary.LittleEndian.PutUint64(buf[reservedValueOffset:], reserved)

	// The frame length is committed last so a reader scanning the tail
	// never observes a frame before its metadata is in place.
	binary.LittleEndian.PutUint32(buf[frameLengthOffset:], uint32(frameLength))
}

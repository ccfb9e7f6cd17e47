package logbuffer

import (
	"fmt"

	"github.com/downfa11-org/shmbus/util"
	"golang.org/x/exp/mmap"
)

// FrameInfo is a decoded frame summary produced by offline inspection.
type FrameInfo struct {
	TermOffset  int32
	FrameLength int32
	Type        uint16
	Flags       uint8
	SessionID   int32
	StreamID    int32
	TermID      int32
	Payload     []byte
	ChecksumOK  bool
}

// ReadLog opens the log buffer file at path read-only and decodes every
// committed frame in it. It is an offline tool for dump commands and
// tests; live consumers go through LogBuffer instead.
func ReadLog(path string) ([]FrameInfo, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log for inspection: %w", err)
	}
	defer r.Close()

	termLength := int32(r.Len())
	if err := CheckTermLength(termLength); err != nil {
		return nil, fmt.Errorf("log %s: %w", path, err)
	}

	var frames []FrameInfo
	hdrBuf := make([]byte, DataHeaderLength)
	for offset := int32(0); offset+DataHeaderLength <= termLength; {
		if _, err := r.ReadAt(hdrBuf, int64(offset)); err != nil {
			return nil, fmt.Errorf("read frame header at %d: %w", offset, err)
		}

		hdr := NewHeader(hdrBuf, 0, PositionBitsToShift(termLength))
		frameLength := hdr.FrameLength()
		if frameLength <= 0 {
			break
		}
		if offset+frameLength > termLength {
			return nil, fmt.Errorf("frame at %d overruns term: length %d", offset, frameLength)
		}

		payload := make([]byte, frameLength-DataHeaderLength)
		if len(payload) > 0 {
			if _, err := r.ReadAt(payload, int64(offset+DataHeaderLength)); err != nil {
				return nil, fmt.Errorf("read frame payload at %d: %w", offset, err)
			}
		}

		frames = append(frames, FrameInfo{
			TermOffset:  offset,
			FrameLength: frameLength,
			Type:        hdr.Type(),
			Flags:       hdr.Flags(),
			SessionID:   hdr.SessionID(),
			StreamID:    hdr.StreamID(),
			TermID:      hdr.TermID(),
			Payload:     payload,
			ChecksumOK:  uint64(hdr.ReservedValue()) == util.GenerateID(string(payload)),
		})

		offset += AlignFrameLength(frameLength)
	}

	return frames, nil
}

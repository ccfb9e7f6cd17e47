package logbuffer

import (
	"fmt"
	"os"

	"github.com/downfa11-org/shmbus/util"
	"golang.org/x/sys/unix"
)

// Writer appends frames to a log buffer file through a writable
// mapping. It stands in for the media driver in tests and local
// drivers; a subscriber process never writes to the log buffer.
type Writer struct {
	file       *os.File
	data       []byte
	termLength int32
	tail       int32
	sessionID  int32
	streamID   int32
	termID     int32
}

// CreateWriter creates (or truncates) the log buffer file at path and
// maps it for writing.
func CreateWriter(path string, termLength, sessionID, streamID int32) (*Writer, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create log buffer: %w", err)
	}
	if err := f.Truncate(int64(termLength)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate log buffer: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(termLength), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap log buffer for write: %w", err)
	}

	return &Writer{
		file:       f,
		data:       data,
		termLength: termLength,
		sessionID:  sessionID,
		streamID:   streamID,
	}, nil
}

// Append writes one unfragmented data frame holding payload and returns
// the stream position at the end of the frame. The reserved header
// field carries an FNV-1a checksum of the payload for offline
// inspection.
func (w *Writer) Append(payload []byte) (int64, error) {
	frameLength := DataHeaderLength + int32(len(payload))
	alignedLength := AlignFrameLength(frameLength)

	if w.tail+alignedLength > w.termLength {
		return 0, fmt.Errorf("frame of %d bytes does not fit at tail %d (term length %d)", alignedLength, w.tail, w.termLength)
	}

	termOffset := w.tail
	copy(w.data[termOffset+DataHeaderLength:], payload)
	checksum := util.GenerateID(string(payload))
	putFrameHeader(w.data[termOffset:], frameLength, termOffset, w.sessionID, w.streamID, w.termID, FrameTypeData, FlagUnfragmented, checksum)

	w.tail += alignedLength
	return (int64(w.termID) << PositionBitsToShift(w.termLength)) + int64(w.tail), nil
}

// Tail returns the next write offset within the current term.
func (w *Writer) Tail() int32 {
	return w.tail
}

// Sync flushes the mapping to the backing file.
func (w *Writer) Sync() error {
	if err := unix.Msync(w.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync log buffer: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	if w.data != nil {
		if err := unix.Munmap(w.data); err != nil {
			return fmt.Errorf("munmap log buffer: %w", err)
		}
		w.data = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}
	return nil
}

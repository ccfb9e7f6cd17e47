package logbuffer

import (
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// TermMinLength is the smallest allowed term length.
	TermMinLength int32 = 64 * 1024
	// TermMaxLength is the largest allowed term length.
	TermMaxLength int32 = 1024 * 1024 * 1024
)

// CheckTermLength validates that a term length is usable for mask and
// shift derivation.
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength {
		return fmt.Errorf("term length %d outside range %d-%d", termLength, TermMinLength, TermMaxLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("term length %d is not a power of two", termLength)
	}
	return nil
}

// PositionBitsToShift returns the shift used to convert between a term
// id delta and a stream position for the given term length.
func PositionBitsToShift(termLength int32) uint8 {
	return uint8(bits.TrailingZeros32(uint32(termLength)))
}

// LogBuffer is a read-only mapping of one stream's backing file. It is
// shared by every image attached to the stream and outlives each of
// them; the conductor unmaps it only after the last image is deleted.
type LogBuffer struct {
	path       string
	data       []byte
	termLength int32
}

// MapExisting maps the log buffer file at path read-only. The file size
// must be a valid term length.
func MapExisting(path string) (*LogBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log buffer: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log buffer: %w", err)
	}

	termLength := int32(info.Size())
	if err := CheckTermLength(termLength); err != nil {
		return nil, fmt.Errorf("log buffer %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(termLength), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap log buffer %s: %w", path, err)
	}

	return &LogBuffer{path: path, data: data, termLength: termLength}, nil
}

func (l *LogBuffer) Path() string {
	return l.path
}

func (l *LogBuffer) TermLength() int32 {
	return l.termLength
}

// TermLengthMask is term length - 1, valid because the term length is a
// power of two.
func (l *LogBuffer) TermLengthMask() int32 {
	return l.termLength - 1
}

func (l *LogBuffer) PositionBitsToShift() uint8 {
	return PositionBitsToShift(l.termLength)
}

// FrameAt returns the frame starting at the given term offset as a
// header view plus the payload bytes, both aliasing the mapping. A zero
// frame length means the term has not been written that far yet; a
// frame length that overruns the term is corrupt and yields a nil
// payload rather than slicing past the mapping.
func (l *LogBuffer) FrameAt(termOffset int32, initialTermID int32) (Header, []byte) {
	hdr := NewHeader(l.data[termOffset:], initialTermID, l.PositionBitsToShift())
	frameLength := hdr.FrameLength()
	if frameLength < DataHeaderLength || frameLength > l.termLength-termOffset {
		return hdr, nil
	}
	return hdr, l.data[termOffset+DataHeaderLength : termOffset+frameLength]
}

// Close unmaps the backing file. The caller must guarantee no image
// still references the mapping.
func (l *LogBuffer) Close() error {
	if l.data == nil {
		return nil
	}
	data := l.data
	l.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap log buffer %s: %w", l.path, err)
	}
	return nil
}

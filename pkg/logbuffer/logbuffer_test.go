package logbuffer_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/shmbus/pkg/logbuffer"
)

func corruptFrameLength(t *testing.T, path string, termOffset int32, frameLength uint32) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open log for corruption: %v", err)
	}
	defer f.Close()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], frameLength)
	if _, err := f.WriteAt(buf[:], int64(termOffset)); err != nil {
		t.Fatalf("write corrupt frame length: %v", err)
	}
}

func writeFileOfSize(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func TestCheckTermLength(t *testing.T) {
	for _, termLength := range []int32{64 * 1024, 128 * 1024, 1024 * 1024} {
		if err := logbuffer.CheckTermLength(termLength); err != nil {
			t.Fatalf("term length %d should be valid: %v", termLength, err)
		}
	}

	for _, termLength := range []int32{0, 1, 1000, 64*1024 + 1, 96 * 1024, -65536} {
		if err := logbuffer.CheckTermLength(termLength); err == nil {
			t.Fatalf("term length %d should be rejected", termLength)
		}
	}
}

func TestPositionBitsToShift(t *testing.T) {
	if got := logbuffer.PositionBitsToShift(64 * 1024); got != 16 {
		t.Fatalf("expected shift 16 for 64KiB term, got %d", got)
	}
	if got := logbuffer.PositionBitsToShift(1024 * 1024); got != 20 {
		t.Fatalf("expected shift 20 for 1MiB term, got %d", got)
	}
}

func TestAlignFrameLength(t *testing.T) {
	cases := map[int32]int32{
		32: 32,
		33: 64,
		63: 64,
		64: 64,
		1:  32,
	}
	for length, want := range cases {
		if got := logbuffer.AlignFrameLength(length); got != want {
			t.Fatalf("AlignFrameLength(%d) = %d, want %d", length, got, want)
		}
	}
}

func TestWriterAndMapExisting_RoundTrip(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stream.logbuffer")

	writer, err := logbuffer.CreateWriter(logPath, 64*1024, 7, 1001)
	if err != nil {
		t.Fatalf("CreateWriter failed: %v", err)
	}
	defer writer.Close()

	payload := []byte("hello shared memory")
	endPosition, err := writer.Append(payload)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	wantEnd := int64(logbuffer.AlignFrameLength(logbuffer.DataHeaderLength + int32(len(payload))))
	if endPosition != wantEnd {
		t.Fatalf("expected end position %d, got %d", wantEnd, endPosition)
	}

	lb, err := logbuffer.MapExisting(logPath)
	if err != nil {
		t.Fatalf("MapExisting failed: %v", err)
	}
	defer lb.Close()

	if lb.TermLength() != 64*1024 {
		t.Fatalf("expected term length %d, got %d", 64*1024, lb.TermLength())
	}
	if lb.TermLengthMask() != 64*1024-1 {
		t.Fatalf("expected mask %d, got %d", 64*1024-1, lb.TermLengthMask())
	}

	header, got := lb.FrameAt(0, 0)
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
	if header.SessionID() != 7 {
		t.Fatalf("expected session 7, got %d", header.SessionID())
	}
	if header.StreamID() != 1001 {
		t.Fatalf("expected stream 1001, got %d", header.StreamID())
	}
	if header.Type() != logbuffer.FrameTypeData {
		t.Fatalf("expected data frame, got type %#x", header.Type())
	}
	if header.Flags() != logbuffer.FlagUnfragmented {
		t.Fatalf("expected unfragmented flags, got %#x", header.Flags())
	}
	if header.TermOffset() != 0 {
		t.Fatalf("expected term offset 0, got %d", header.TermOffset())
	}
	if header.Position() != wantEnd {
		t.Fatalf("expected header position %d, got %d", wantEnd, header.Position())
	}

	// The uncommitted region reads as zero frame length.
	nextHeader, nextPayload := lb.FrameAt(int32(endPosition), 0)
	if nextHeader.FrameLength() != 0 || nextPayload != nil {
		t.Fatalf("expected no frame past the tail, got length %d", nextHeader.FrameLength())
	}
}

func TestMapExisting_RejectsBadTermLength(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bad.logbuffer")
	if err := writeFileOfSize(logPath, 1000); err != nil {
		t.Fatalf("fixture write failed: %v", err)
	}
	if _, err := logbuffer.MapExisting(logPath); err == nil {
		t.Fatal("expected MapExisting to reject a non power-of-two file")
	}
}

func TestFrameAt_RejectsOverrunningFrameLength(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "corrupt.logbuffer")
	if err := writeFileOfSize(logPath, 64*1024); err != nil {
		t.Fatalf("fixture write failed: %v", err)
	}

	// A frame length larger than the remaining term must not be sliced.
	corruptFrameLength(t, logPath, 0, 128*1024)

	lb, err := logbuffer.MapExisting(logPath)
	if err != nil {
		t.Fatalf("MapExisting failed: %v", err)
	}
	defer lb.Close()

	header, payload := lb.FrameAt(0, 0)
	if payload != nil {
		t.Fatalf("expected nil payload for overrunning frame, got %d bytes", len(payload))
	}
	if header.FrameLength() != 128*1024 {
		t.Fatalf("header view should still expose the raw length, got %d", header.FrameLength())
	}

	// A positive length shorter than the header is equally corrupt.
	corruptFrameLength(t, logPath, 0, 16)
	if _, payload := lb.FrameAt(0, 0); payload != nil {
		t.Fatalf("expected nil payload for truncated frame, got %d bytes", len(payload))
	}
}

func TestWriter_RejectsOverflowingFrame(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "full.logbuffer")
	writer, err := logbuffer.CreateWriter(logPath, 64*1024, 1, 1)
	if err != nil {
		t.Fatalf("CreateWriter failed: %v", err)
	}
	defer writer.Close()

	big := make([]byte, 64*1024)
	if _, err := writer.Append(big); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestReadLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "inspect.logbuffer")
	writer, err := logbuffer.CreateWriter(logPath, 64*1024, 3, 5)
	if err != nil {
		t.Fatalf("CreateWriter failed: %v", err)
	}
	defer writer.Close()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		if _, err := writer.Append(p); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	frames, err := logbuffer.ReadLog(logPath)
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	if len(frames) != len(payloads) {
		t.Fatalf("expected %d frames, got %d", len(payloads), len(frames))
	}
	for i, frame := range frames {
		if !bytes.Equal(frame.Payload, payloads[i]) {
			t.Fatalf("frame %d payload %q, want %q", i, frame.Payload, payloads[i])
		}
		if frame.SessionID != 3 || frame.StreamID != 5 {
			t.Fatalf("frame %d ids %d/%d, want 3/5", i, frame.SessionID, frame.StreamID)
		}
		if !frame.ChecksumOK {
			t.Fatalf("frame %d payload checksum mismatch", i)
		}
	}
}

package image

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/shmbus/pkg/counters"
	"github.com/downfa11-org/shmbus/pkg/logbuffer"
	"github.com/downfa11-org/shmbus/pkg/metrics"
	"github.com/downfa11-org/shmbus/util"
)

// FragmentHandler is invoked for each polled message fragment. The
// payload and header alias the log buffer mapping and must not be
// retained after the handler returns.
type FragmentHandler func(payload []byte, header logbuffer.Header)

// Image is the consumer-side handle for one session's contribution to
// a subscribed stream. The conductor owns its storage; readers pin it
// with IncrRefcnt for the duration of use. The reference count is the
// only synchronization between reader threads and the conductor.
type Image struct {
	logBuffer          *logbuffer.LogBuffer
	subscriberPosition *counters.Position
	releaseLogBuffer   func(*logbuffer.LogBuffer)

	subscriptionRegistrationID int64
	correlationID              int64
	sessionID                  int32
	initialTermID              int32

	termLengthMask      int32
	positionBitsToShift uint8

	refcnt   atomic.Int64
	isClosed atomic.Bool

	// Conductor-thread state. Written and read only on the conductor
	// goroutine, except finalPosition which is published before the
	// closed flag is set.
	removalChangeNumber int64
	finalPosition       int64
	isLingering         bool
	lingerDeadline      time.Time
	deleted             bool
}

// NewImage binds an image to its log buffer and subscriber position
// cell. The reference count starts at zero.
func NewImage(
	subscriptionRegistrationID int64,
	logBuffer *logbuffer.LogBuffer,
	subscriberPosition *counters.Position,
	correlationID int64,
	sessionID int32,
	releaseLogBuffer func(*logbuffer.LogBuffer),
) (*Image, error) {
	if logBuffer == nil {
		return nil, errors.New("image requires a log buffer")
	}
	if subscriberPosition == nil {
		return nil, errors.New("image requires a subscriber position cell")
	}
	if err := logbuffer.CheckTermLength(logBuffer.TermLength()); err != nil {
		return nil, err
	}

	return &Image{
		logBuffer:                  logBuffer,
		subscriberPosition:         subscriberPosition,
		releaseLogBuffer:           releaseLogBuffer,
		subscriptionRegistrationID: subscriptionRegistrationID,
		correlationID:              correlationID,
		sessionID:                  sessionID,
		termLengthMask:             logBuffer.TermLengthMask(),
		positionBitsToShift:        logBuffer.PositionBitsToShift(),
		removalChangeNumber:        -1,
	}, nil
}

func (i *Image) CorrelationID() int64 {
	return i.correlationID
}

func (i *Image) SessionID() int32 {
	return i.sessionID
}

func (i *Image) SubscriptionRegistrationID() int64 {
	return i.subscriptionRegistrationID
}

func (i *Image) TermLengthMask() int32 {
	return i.termLengthMask
}

// IncrRefcnt pins the image against deletion. Returns the pre-increment
// value for diagnostics. Safe from any thread.
func (i *Image) IncrRefcnt() int64 {
	return i.refcnt.Add(1) - 1
}

// DecrRefcnt releases a pin taken with IncrRefcnt. The caller must only
// release pins it took; underflow is a contract violation, not checked
// here.
func (i *Image) DecrRefcnt() int64 {
	return i.refcnt.Add(-1) + 1
}

// Refcnt is a single acquire-ordered read of the reference count, used
// by the conductor to decide deletion eligibility.
func (i *Image) Refcnt() int64 {
	return i.refcnt.Load()
}

// IsClosed reports whether the image has been force-closed. Readers
// check it opportunistically on each poll cycle; there is no
// cross-thread notification.
func (i *Image) IsClosed() bool {
	return i.isClosed.Load()
}

// ForceClose marks the image closed. Idempotent; does not touch the
// reference count and does not deallocate.
func (i *Image) ForceClose() {
	if i.isClosed.Load() {
		return
	}
	i.finalPosition = i.subscriberPosition.Get()
	if i.isClosed.CompareAndSwap(false, true) {
		metrics.ImagesClosedTotal.Inc()
		util.Debug("image %d (session %d) closed at position %d", i.correlationID, i.sessionID, i.finalPosition)
	}
}

// Position returns the subscriber position, or the final position once
// the image is closed.
func (i *Image) Position() int64 {
	if i.IsClosed() {
		return i.finalPosition
	}
	return i.subscriberPosition.Get()
}

// ValidatePosition checks a caller-supplied seek position against the
// current term's bounds and the frame alignment contract. The upper
// bound is inclusive of the next term's start offset.
func (i *Image) ValidatePosition(position int64) error {
	current := i.subscriberPosition.Get()
	limit := (current - (current & int64(i.termLengthMask))) + int64(i.termLengthMask) + 1

	if position < current || position > limit {
		metrics.InvalidPositionsTotal.Inc()
		return fmt.Errorf("%w: %d not in %d-%d", ErrInvalidPosition, position, current, limit)
	}

	if position&(logbuffer.FrameAlignment-1) != 0 {
		metrics.InvalidPositionsTotal.Inc()
		return fmt.Errorf("%w: %d not a multiple of %d", ErrMisalignedPosition, position, logbuffer.FrameAlignment)
	}

	return nil
}

// SetPosition seeks the subscriber position after validating it.
func (i *Image) SetPosition(position int64) error {
	if err := i.ValidatePosition(position); err != nil {
		return err
	}
	i.subscriberPosition.Set(position)
	return nil
}

// Poll reads committed frames from the subscriber position forward,
// invoking handler for up to fragmentLimit fragments, and advances the
// position cell. Returns the number of fragments delivered. Never
// blocks.
func (i *Image) Poll(handler FragmentHandler, fragmentLimit int) int {
	if i.IsClosed() {
		return 0
	}

	position := i.subscriberPosition.Get()
	termOffset := int32(position & int64(i.termLengthMask))
	initialOffset := termOffset
	termLength := i.termLengthMask + 1

	fragments := 0
	bytes := 0
	for fragments < fragmentLimit && termOffset+logbuffer.DataHeaderLength <= termLength {
		header, payload := i.logBuffer.FrameAt(termOffset, i.initialTermID)
		frameLength := header.FrameLength()
		if frameLength < logbuffer.DataHeaderLength || frameLength > termLength-termOffset {
			// Zero means the term has not been written this far; anything
			// else that fails the bounds check is a corrupt frame.
			break
		}

		if header.Type() != logbuffer.FrameTypePad {
			handler(payload, header)
			fragments++
			bytes += len(payload)
		}

		termOffset += logbuffer.AlignFrameLength(frameLength)
	}

	if termOffset != initialOffset {
		i.subscriberPosition.Set(position + int64(termOffset-initialOffset))
	}

	metrics.RecordFragments(fragments, bytes)
	return fragments
}

// MarkForRemoval records the change number at which the conductor
// requested removal. Set at most once; later calls are ignored.
// Conductor thread only.
func (i *Image) MarkForRemoval(changeNumber int64) {
	if i.removalChangeNumber != -1 {
		util.Warn("image %d already marked for removal at change %d", i.correlationID, i.removalChangeNumber)
		return
	}
	i.removalChangeNumber = changeNumber
}

// RemovalChangeNumber returns the change number recorded by
// MarkForRemoval, or -1 if removal has not been requested.
func (i *Image) RemovalChangeNumber() int64 {
	return i.removalChangeNumber
}

// IsInUseBySubscription reports whether the image was marked for
// removal after the caller's change-number snapshot, meaning a
// subscription iteration taken at that snapshot may still touch it.
func (i *Image) IsInUseBySubscription(lastChangeNumber int64) bool {
	return i.removalChangeNumber > lastChangeNumber
}

// BeginLinger starts the linger interval during which in-flight readers
// may finish with stale references. Conductor thread only.
func (i *Image) BeginLinger(deadline time.Time) {
	i.isLingering = true
	i.lingerDeadline = deadline
}

func (i *Image) IsLingering() bool {
	return i.isLingering
}

func (i *Image) LingerDeadline() time.Time {
	return i.lingerDeadline
}

// Delete reclaims the image's hold on the log buffer mapping. The
// conductor must only call it once the linger interval has elapsed and
// Refcnt has been observed at zero; violating that is a programming
// error and panics rather than risking use of reclaimed memory.
func (i *Image) Delete() {
	if refs := i.Refcnt(); refs > 0 {
		panic(fmt.Sprintf("image %d deleted with %d active references", i.correlationID, refs))
	}
	if i.deleted {
		panic(fmt.Sprintf("image %d deleted twice", i.correlationID))
	}
	i.deleted = true

	if i.releaseLogBuffer != nil {
		i.releaseLogBuffer(i.logBuffer)
	}
	i.logBuffer = nil
	i.subscriberPosition = nil
	metrics.ImagesDeletedTotal.Inc()
}

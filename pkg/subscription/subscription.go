package subscription

import (
	"sync/atomic"

	"github.com/downfa11-org/shmbus/pkg/image"
	"github.com/downfa11-org/shmbus/util"
)

// Subscription is the reader-side registry of images for one stream.
// The conductor swaps the image list; reader threads load it atomically
// on every poll, so the hot path takes no lock.
type Subscription struct {
	registrationID int64
	channel        string
	streamID       int32

	images   atomic.Pointer[[]*image.Image]
	isClosed atomic.Bool

	// Conductor-thread state.
	lastChangeNumber int64

	roundRobinIndex int
}

func NewSubscription(registrationID int64, channel string, streamID int32) *Subscription {
	s := &Subscription{
		registrationID: registrationID,
		channel:        channel,
		streamID:       streamID,
	}
	empty := make([]*image.Image, 0)
	s.images.Store(&empty)
	return s
}

func (s *Subscription) RegistrationID() int64 {
	return s.registrationID
}

func (s *Subscription) Channel() string {
	return s.channel
}

func (s *Subscription) StreamID() int32 {
	return s.streamID
}

func (s *Subscription) IsClosed() bool {
	return s.isClosed.Load()
}

// ImageCount returns the number of images currently attached.
func (s *Subscription) ImageCount() int {
	return len(*s.images.Load())
}

// IsConnected reports whether at least one open image is attached.
func (s *Subscription) IsConnected() bool {
	for _, img := range *s.images.Load() {
		if !img.IsClosed() {
			return true
		}
	}
	return false
}

// ImageBySessionID returns the attached image for a session, pinned
// with an incremented reference count. The caller must call DecrRefcnt
// when done. Returns nil if no such image is attached.
func (s *Subscription) ImageBySessionID(sessionID int32) *image.Image {
	for _, img := range *s.images.Load() {
		if img.SessionID() == sessionID {
			img.IncrRefcnt()
			return img
		}
	}
	return nil
}

// Poll reads fragments from the attached images round-robin, up to
// fragmentLimit in total. Never blocks.
func (s *Subscription) Poll(handler image.FragmentHandler, fragmentLimit int) int {
	images := *s.images.Load()
	length := len(images)
	if length == 0 {
		return 0
	}

	startingIndex := s.roundRobinIndex
	if startingIndex >= length {
		startingIndex = 0
	}
	s.roundRobinIndex = startingIndex + 1

	fragments := 0
	for i := startingIndex; i < length && fragments < fragmentLimit; i++ {
		fragments += images[i].Poll(handler, fragmentLimit-fragments)
	}
	for i := 0; i < startingIndex && fragments < fragmentLimit; i++ {
		fragments += images[i].Poll(handler, fragmentLimit-fragments)
	}

	return fragments
}

// AddImage attaches an image, taking a reference on behalf of the
// subscription. Conductor thread only.
func (s *Subscription) AddImage(img *image.Image, changeNumber int64) {
	img.IncrRefcnt()

	old := *s.images.Load()
	updated := make([]*image.Image, len(old)+1)
	copy(updated, old)
	updated[len(old)] = img
	s.images.Store(&updated)

	s.lastChangeNumber = changeNumber
	util.Debug("subscription %d: image %d (session %d) available at change %d",
		s.registrationID, img.CorrelationID(), img.SessionID(), changeNumber)
}

// RemoveImage detaches the image with the given correlation id and
// releases the subscription's reference. Returns the removed image, or
// nil if it was not attached. Conductor thread only.
func (s *Subscription) RemoveImage(correlationID int64, changeNumber int64) *image.Image {
	old := *s.images.Load()
	for idx, img := range old {
		if img.CorrelationID() != correlationID {
			continue
		}

		updated := make([]*image.Image, 0, len(old)-1)
		updated = append(updated, old[:idx]...)
		updated = append(updated, old[idx+1:]...)
		s.images.Store(&updated)

		img.MarkForRemoval(changeNumber)
		s.lastChangeNumber = changeNumber
		img.DecrRefcnt()

		util.Debug("subscription %d: image %d removed at change %d",
			s.registrationID, correlationID, changeNumber)
		return img
	}
	return nil
}

// RemoveAllImages detaches every image, releasing the subscription's
// references. Conductor thread only, used at subscription teardown.
func (s *Subscription) RemoveAllImages(changeNumber int64) []*image.Image {
	old := *s.images.Load()
	empty := make([]*image.Image, 0)
	s.images.Store(&empty)

	for _, img := range old {
		img.MarkForRemoval(changeNumber)
		img.DecrRefcnt()
	}
	s.lastChangeNumber = changeNumber
	return old
}

// LastChangeNumber returns the change number of the most recent image
// list mutation. Conductor thread only.
func (s *Subscription) LastChangeNumber() int64 {
	return s.lastChangeNumber
}

// Close marks the subscription closed. The conductor performs the
// actual image teardown.
func (s *Subscription) Close() {
	s.isClosed.Store(true)
}

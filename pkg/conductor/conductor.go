package conductor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/shmbus/pkg/config"
	"github.com/downfa11-org/shmbus/pkg/counters"
	"github.com/downfa11-org/shmbus/pkg/image"
	"github.com/downfa11-org/shmbus/pkg/logbuffer"
	"github.com/downfa11-org/shmbus/pkg/metrics"
	"github.com/downfa11-org/shmbus/pkg/subscription"
	"github.com/downfa11-org/shmbus/util"
	"github.com/google/uuid"
)

// ErrConductorClosed is returned by conductor operations issued after
// Close.
var ErrConductorClosed = errors.New("conductor is closed")

type lingeringImage struct {
	img *image.Image
	sub *subscription.Subscription
}

// Conductor is the single lifecycle-management goroutine. It is the
// sole owner of image storage: it creates images, marks them for
// removal with a monotonically increasing change number, force-closes
// them, lets them linger, and deletes them once the linger interval
// has elapsed and the reference count has drained to zero.
type Conductor struct {
	clientID  uuid.UUID
	cfg       *config.Config
	positions *counters.Manager

	commandCh chan func()
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	nextRegistrationID atomic.Int64

	// Conductor-goroutine state.
	changeNumber  int64
	subscriptions map[int64]*subscription.Subscription
	lingering     []lingeringImage
}

func NewConductor(cfg *config.Config) *Conductor {
	return &Conductor{
		clientID:      uuid.New(),
		cfg:           cfg,
		positions:     counters.NewManager(),
		commandCh:     make(chan func(), 64),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		subscriptions: make(map[int64]*subscription.Subscription),
	}
}

func (c *Conductor) ClientID() uuid.UUID {
	return c.clientID
}

// CountersManager exposes the position-cell registry.
func (c *Conductor) CountersManager() *counters.Manager {
	return c.positions
}

// Start launches the conductor goroutine.
func (c *Conductor) Start() {
	go c.run()
}

func (c *Conductor) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.IdleInterval())
	defer ticker.Stop()

	util.Info("conductor %s started (linger %v)", c.clientID, c.cfg.LingerTimeout())

	for {
		select {
		case cmd := <-c.commandCh:
			cmd()
		case <-ticker.C:
			c.doWork(time.Now())
		case <-c.closeCh:
			c.onClose()
			return
		}
	}
}

// execute runs cmd on the conductor goroutine and waits for it. Returns
// ErrConductorClosed if the conductor has shut down; a command enqueued
// in the buffered channel after the run loop has exited is never drained,
// so the caller must not wait on it.
func (c *Conductor) execute(cmd func()) error {
	done := make(chan struct{})
	select {
	case c.commandCh <- func() {
		cmd()
		close(done)
	}:
	case <-c.doneCh:
		return ErrConductorClosed
	}

	select {
	case <-done:
		return nil
	case <-c.doneCh:
		// The run loop executes a dequeued command before it can observe
		// closeCh, so once doneCh is closed the command either already
		// ran or never will.
		select {
		case <-done:
			return nil
		default:
			return ErrConductorClosed
		}
	}
}

// AddSubscription registers a subscription for a stream. Images become
// available to it through OnAvailableImage.
func (c *Conductor) AddSubscription(channel string, streamID int32) (*subscription.Subscription, error) {
	sub := subscription.NewSubscription(c.nextRegistrationID.Add(1), channel, streamID)
	err := c.execute(func() {
		c.subscriptions[sub.RegistrationID()] = sub
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// CloseSubscription tears a subscription down: every attached image is
// marked removed, force-closed, and moved to the lingering list. After
// conductor shutdown this is a no-op; onClose already retired every
// image.
func (c *Conductor) CloseSubscription(sub *subscription.Subscription) {
	_ = c.execute(func() {
		sub.Close()
		c.changeNumber++
		removed := sub.RemoveAllImages(c.changeNumber)
		for _, img := range removed {
			c.lingerImage(img, sub)
		}
		delete(c.subscriptions, sub.RegistrationID())
	})
}

// OnAvailableImage maps the log buffer at logPath, allocates a
// subscriber position cell, creates the image, and attaches it to the
// subscription. Returns the image's correlation id.
func (c *Conductor) OnAvailableImage(sub *subscription.Subscription, logPath string, sessionID int32) (int64, error) {
	var correlationID int64
	var outErr error

	err := c.execute(func() {
		lb, err := logbuffer.MapExisting(logPath)
		if err != nil {
			outErr = fmt.Errorf("map image log buffer: %w", err)
			return
		}

		correlationID = c.nextRegistrationID.Add(1)
		pos := c.positions.Allocate(
			fmt.Sprintf("sub-pos: %s session %d", sub.Channel(), sessionID), 0)
		positionID := pos.ID()

		img, err := image.NewImage(sub.RegistrationID(), lb, pos, correlationID, sessionID,
			func(lb *logbuffer.LogBuffer) {
				if err := lb.Close(); err != nil {
					util.Error("release log buffer: %v", err)
				}
				c.positions.Free(positionID)
			})
		if err != nil {
			if closeErr := lb.Close(); closeErr != nil {
				util.Error("unmap log buffer after failed image create: %v", closeErr)
			}
			c.positions.Free(positionID)
			outErr = err
			return
		}

		c.changeNumber++
		sub.AddImage(img, c.changeNumber)
		metrics.ImagesActive.Inc()
		util.Info("image %d available: session %d on %s", correlationID, sessionID, sub.Channel())
	})
	if err != nil {
		return 0, err
	}

	return correlationID, outErr
}

// OnUnavailableImage marks the image removed from its subscription,
// force-closes it, and starts its linger interval.
func (c *Conductor) OnUnavailableImage(sub *subscription.Subscription, correlationID int64) {
	_ = c.execute(func() {
		c.changeNumber++
		img := sub.RemoveImage(correlationID, c.changeNumber)
		if img == nil {
			util.Warn("unavailable image %d not attached to subscription %d", correlationID, sub.RegistrationID())
			return
		}
		c.lingerImage(img, sub)
	})
}

// lingerImage transitions an already-removed image to the lingering
// state. Conductor goroutine only.
func (c *Conductor) lingerImage(img *image.Image, sub *subscription.Subscription) {
	img.ForceClose()
	img.BeginLinger(time.Now().Add(c.cfg.LingerTimeout()))
	c.lingering = append(c.lingering, lingeringImage{img: img, sub: sub})
	metrics.ImagesActive.Dec()
	metrics.ImagesLingering.Inc()
}

// doWork is the duty cycle: reap lingering images whose linger deadline
// has passed, whose reference count has drained, and which no
// subscription iteration can still reach.
func (c *Conductor) doWork(now time.Time) {
	remaining := c.lingering[:0]
	for _, entry := range c.lingering {
		if c.canDelete(entry, now) {
			entry.img.Delete()
			metrics.ImagesLingering.Dec()
			util.Debug("image %d deleted", entry.img.CorrelationID())
			continue
		}
		remaining = append(remaining, entry)
	}
	c.lingering = remaining
}

func (c *Conductor) canDelete(entry lingeringImage, now time.Time) bool {
	if now.Before(entry.img.LingerDeadline()) {
		return false
	}
	if entry.img.Refcnt() > 0 {
		return false
	}
	return !entry.img.IsInUseBySubscription(entry.sub.LastChangeNumber())
}

// onClose tears down everything still alive. Conductor goroutine only.
func (c *Conductor) onClose() {
	for _, sub := range c.subscriptions {
		sub.Close()
		c.changeNumber++
		for _, img := range sub.RemoveAllImages(c.changeNumber) {
			c.lingerImage(img, sub)
		}
	}
	c.subscriptions = make(map[int64]*subscription.Subscription)

	for _, entry := range c.lingering {
		if refs := entry.img.Refcnt(); refs > 0 {
			util.Warn("closing conductor with image %d still referenced (%d refs), leaking mapping",
				entry.img.CorrelationID(), refs)
			continue
		}
		entry.img.Delete()
		metrics.ImagesLingering.Dec()
	}
	c.lingering = nil
	util.Info("conductor %s stopped", c.clientID)
}

// Close stops the conductor goroutine and waits for it to finish its
// teardown.
func (c *Conductor) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	<-c.doneCh
}

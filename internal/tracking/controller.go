package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/course-tracker/internal/gps"
	"github.com/shaunagostinho/course-tracker/internal/permission"
	"github.com/shaunagostinho/course-tracker/internal/session"
	"github.com/shaunagostinho/course-tracker/internal/telemetry"
)

// PermissionGate is the location-access capability.
type PermissionGate interface {
	Check() permission.State
	Request()
}

// LocationSource pushes fix batches while subscribed.
type LocationSource interface {
	Subscribe(interval time.Duration, highAccuracy bool) error
	Unsubscribe()
}

// Reporter accepts reports for asynchronous delivery.
type Reporter interface {
	Send(r telemetry.Report)
}

// StatusSink receives status text and transient notifications.
type StatusSink interface {
	SetStatusText(text string)
	Notify(msg string)
}

// UI is the operator-facing collaborator: status output, the tracking
// toggle, and the session details dialog.
type UI interface {
	StatusSink
	SetEnabled(on bool)
	PromptSessionDetails()
}

// Config holds the subscription parameters passed to the location source.
type Config struct {
	Interval     time.Duration
	HighAccuracy bool
}

// Controller is the tracking session state machine.
//
// Every input is posted to a mailbox and applied by Run on a single
// goroutine, so the session itself is never shared. Posting never blocks.
type Controller struct {
	cfg      Config
	gate     PermissionGate
	source   LocationSource
	reporter Reporter
	ui       UI

	mu      sync.Mutex
	pending []event
	wake    chan struct{}
	stopped chan struct{}

	sess trackingSession
}

// New creates a controller. Zero config values default to a 30 second
// interval.
func New(cfg Config, gate PermissionGate, source LocationSource, reporter Reporter, ui UI) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		gate:     gate,
		source:   source,
		reporter: reporter,
		ui:       ui,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

type event any

type (
	enableEvent     struct{ on bool }
	permissionEvent struct{ granted bool }
	detailsEvent    struct{ courseNumber, vehicleName string }
	cancelEvent     struct{}
	fixesEvent      struct{ fixes []gps.Fix }
	snapshotEvent   struct{ reply chan Snapshot }
)

// Enable is the operator's tracking toggle.
func (c *Controller) Enable(on bool) { c.post(enableEvent{on: on}) }

// PermissionResult delivers the answer to a permission prompt.
func (c *Controller) PermissionResult(granted bool) { c.post(permissionEvent{granted: granted}) }

// SessionDetails delivers the operator's course number and vehicle name.
func (c *Controller) SessionDetails(courseNumber, vehicleName string) {
	c.post(detailsEvent{courseNumber: courseNumber, vehicleName: vehicleName})
}

// SessionDetailsCancelled reports that the details dialog was dismissed.
func (c *Controller) SessionDetailsCancelled() { c.post(cancelEvent{}) }

// Fixes delivers a batch from the location source. Fixes are handled in
// batch order.
func (c *Controller) Fixes(fixes []gps.Fix) {
	c.post(fixesEvent{fixes: append([]gps.Fix(nil), fixes...)})
}

// Snapshot returns a copy of the session, ordered after every input posted
// before the call.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	c.post(snapshotEvent{reply: reply})
	select {
	case s := <-reply:
		return s, nil
	case <-c.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) post(ev event) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) take() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.pending
	c.pending = nil
	return evs
}

// Run applies posted inputs until ctx is cancelled. An active session is
// stopped on exit.
func (c *Controller) Run(ctx context.Context) {
	log.Printf("[tracking] controller running")
	defer close(c.stopped)

	for {
		for _, ev := range c.take() {
			c.handle(ev)
		}

		select {
		case <-ctx.Done():
			if c.sess.state == Active {
				c.source.Unsubscribe()
			}
			log.Printf("[tracking] controller stopped in state %v", c.sess.state)
			return
		case <-c.wake:
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case enableEvent:
		if ev.on {
			c.enable()
		} else {
			c.disable()
		}
	case permissionEvent:
		c.permissionResult(ev.granted)
	case detailsEvent:
		c.sessionDetails(ev.courseNumber, ev.vehicleName)
	case cancelEvent:
		c.sessionDetailsCancelled()
	case fixesEvent:
		c.fixes(ev.fixes)
	case snapshotEvent:
		ev.reply <- c.snapshot()
	}
}

func (c *Controller) setState(s State) {
	if c.sess.state != s {
		log.Printf("[tracking] %v -> %v", c.sess.state, s)
	}
	c.sess.state = s
}

func (c *Controller) enable() {
	if c.sess.state != Idle {
		log.Printf("[tracking] enable ignored in state %v", c.sess.state)
		return
	}
	if c.gate.Check() == permission.Granted {
		c.awaitSessionDetails()
		return
	}
	c.setState(AwaitingPermission)
	c.ui.SetEnabled(false)
	c.gate.Request()
}

func (c *Controller) disable() {
	switch c.sess.state {
	case Idle:
	case AwaitingPermission, AwaitingSessionDetails:
		c.sess.reset()
		log.Printf("[tracking] pending start cancelled")
	case Active:
		c.stop()
	}
}

func (c *Controller) permissionResult(granted bool) {
	if c.sess.state != AwaitingPermission {
		log.Printf("[tracking] permission result (granted=%v) ignored in state %v", granted, c.sess.state)
		return
	}
	if !granted {
		c.abandon(ErrPermissionDenied, msgPermissionRequired)
		return
	}
	c.ui.SetEnabled(true)
	c.awaitSessionDetails()
}

func (c *Controller) awaitSessionDetails() {
	c.setState(AwaitingSessionDetails)
	c.ui.PromptSessionDetails()
}

func (c *Controller) sessionDetails(courseNumber, vehicleName string) {
	if c.sess.state != AwaitingSessionDetails {
		log.Printf("[tracking] session details ignored in state %v", c.sess.state)
		return
	}

	meta, err := session.Parse(courseNumber, vehicleName)
	if err != nil {
		msg := msgIncompleteDetails
		if errors.Is(err, session.ErrCourseNumberTooLong) {
			msg = msgCourseTooLong
		}
		c.abandon(err, msg)
		return
	}

	if err := c.source.Subscribe(c.cfg.Interval, c.cfg.HighAccuracy); err != nil {
		c.abandon(err, fmt.Sprintf("Nie można uruchomić GPS: %v", err))
		return
	}

	c.sess.metadata = meta
	c.sess.id = uuid.NewString()
	c.sess.startedAt = time.Now()
	c.setState(Active)
	log.Printf("[tracking] session %s started: course=%q vehicle=%q", c.sess.id, meta.CourseNumber, meta.VehicleName)
	c.ui.Notify(fmt.Sprintf("GPS uruchomiony\nKurs: %s, Pojazd: %s", meta.CourseNumber, meta.VehicleName))
}

func (c *Controller) sessionDetailsCancelled() {
	if c.sess.state != AwaitingSessionDetails {
		return
	}
	c.sess.reset()
	log.Printf("[tracking] session details cancelled")
	c.ui.SetEnabled(false)
}

// abandon returns a start attempt to Idle with the toggle off.
func (c *Controller) abandon(reason error, msg string) {
	log.Printf("[tracking] start abandoned in state %v: %v", c.sess.state, reason)
	c.sess.reset()
	c.ui.SetEnabled(false)
	c.ui.Notify(msg)
}

func (c *Controller) stop() {
	c.source.Unsubscribe()
	log.Printf("[tracking] session %s stopped after %d fixes", c.sess.id, c.sess.fixes)
	c.sess.reset()
	c.ui.SetStatusText(msgStopped)
}

func (c *Controller) fixes(batch []gps.Fix) {
	if c.sess.state != Active {
		log.Printf("[tracking] %d fixes dropped in state %v", len(batch), c.sess.state)
		return
	}
	for _, fix := range batch {
		c.sess.fixes++
		rep := telemetry.Report{
			Latitude:     telemetry.Coordinate(fix.Latitude),
			Longitude:    telemetry.Coordinate(fix.Longitude),
			CourseNumber: c.sess.metadata.CourseNumber,
			VehicleName:  c.sess.metadata.VehicleName,
			SessionID:    c.sess.id,
		}
		c.ui.SetStatusText(StatusText(fix, c.sess.metadata))
		c.reporter.Send(rep)
	}
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		State:     c.sess.state,
		SessionID: c.sess.id,
		Metadata:  c.sess.metadata,
		StartedAt: c.sess.startedAt,
		Fixes:     c.sess.fixes,
	}
}

// StatusText is the status line shown for a fix reported under meta.
func StatusText(fix gps.Fix, meta session.Metadata) string {
	return fmt.Sprintf("Lat: %s\nLon: %s\nKurs: %s\nPojazd: %s",
		telemetry.FormatCoordinate(fix.Latitude),
		telemetry.FormatCoordinate(fix.Longitude),
		meta.CourseNumber,
		meta.VehicleName)
}

package core

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultReconcileWindow = 10 * time.Second
	defaultReplayTimeout   = 10 * time.Second
	defaultOpTimeout       = 10 * time.Second
	defaultEventBuffer     = 64
)

// Recorder receives reconciler counters. internal/metrics provides the
// prometheus implementation.
type Recorder interface {
	EventApplied(kind string)
	DuplicateSuppressed(source string)
	DegradedChanged(component string, degraded bool)
}

type nopRecorder struct{}

func (nopRecorder) EventApplied(string)          {}
func (nopRecorder) DuplicateSuppressed(string)   {}
func (nopRecorder) DegradedChanged(string, bool) {}

// Options tunes a session. Zero values fall back to defaults.
type Options struct {
	// ReconcileWindow bounds how long a local echo or ephemeral entry may be
	// merged with a matching durable arrival.
	ReconcileWindow time.Duration
	// ReplayTimeout bounds history loading at open.
	ReplayTimeout time.Duration
	// OpTimeout bounds each asynchronous append and publish.
	OpTimeout time.Duration
	// EventBuffer sizes the reconciler's inbound event queue.
	EventBuffer int

	Logger   *zerolog.Logger
	Recorder Recorder
	// Now is the clock used for window bookkeeping.
	Now func() time.Time
	// NewClientMsgID assigns ids to outgoing messages.
	NewClientMsgID func() string
}

func (o Options) withDefaults() Options {
	if o.ReconcileWindow <= 0 {
		o.ReconcileWindow = defaultReconcileWindow
	}
	if o.ReplayTimeout <= 0 {
		o.ReplayTimeout = defaultReplayTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewClientMsgID == nil {
		o.NewClientMsgID = newClientMsgID
	}
	return o
}

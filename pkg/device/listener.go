package device

import (
	"context"
	"errors"
	"log/slog"

	"github.com/plume-impactor/impactor/pkg/connection"
	"github.com/plume-impactor/impactor/pkg/usbmux"
)

var errStreamClosed = errors.New("usbmuxd notification stream closed")

// Stream is a live usbmuxd notification subscription.
type Stream interface {
	Events() <-chan usbmux.Event
	Err() error
	Close()
}

// Source lists devices and subscribes to attach and detach notifications.
type Source interface {
	ListDevices(ctx context.Context) ([]usbmux.Device, error)
	Listen(ctx context.Context) (Stream, error)
}

// MuxSource adapts a usbmux client.
func MuxSource(c *usbmux.Client) Source {
	return muxSource{c}
}

type muxSource struct {
	c *usbmux.Client
}

func (m muxSource) ListDevices(ctx context.Context) ([]usbmux.Device, error) {
	return m.c.ListDevices(ctx)
}

func (m muxSource) Listen(ctx context.Context) (Stream, error) {
	sub, err := m.c.Listen(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Backoff paces reconnects. Defaults to connection.NewBackoff().
	Backoff *connection.Backoff

	Logger *slog.Logger
}

// Listener keeps a Tracker in sync with usbmuxd. Each connection starts
// with a full listing, then follows notifications in arrival order. When
// the daemon connection drops it reconnects with jittered backoff.
type Listener struct {
	src     Source
	tracker *Tracker
	backoff *connection.Backoff
	logger  *slog.Logger
}

// NewListener creates a Listener feeding tracker.
func NewListener(src Source, tracker *Tracker, cfg ListenerConfig) *Listener {
	if cfg.Backoff == nil {
		cfg.Backoff = connection.NewBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{src: src, tracker: tracker, backoff: cfg.Backoff, logger: cfg.Logger}
}

// Run blocks until ctx ends and returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("usbmuxd connection lost", "error", err,
			"attempt", l.backoff.Attempts()+1, "retry_in", l.backoff.Current())
		if err := l.backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	devs, err := l.src.ListDevices(ctx)
	if err != nil {
		return err
	}
	l.tracker.Reconcile(devs)

	stream, err := l.src.Listen(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	l.backoff.Reset()

	for ev := range stream.Events() {
		l.tracker.Handle(ev)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return errStreamClosed
}

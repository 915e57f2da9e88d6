// Package local is an in-process host platform for the delivery core: a
// background worker actor, a console notification surface, persisted
// permissions and a push service fed by a websocket relay.
package local

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
	logx "edunotify/pkg/logx"
)

var ErrNotReady = errors.New("background worker not ready")

// Surface renders a notification for the user.
type Surface interface {
	Show(ctx context.Context, n notification.Notification) error
}

// Worker is the background execution context. It owns its goroutine (Run),
// takes messages over a channel and answers each show message with an ack
// keyed by the message tag.
type Worker struct {
	surface    Surface
	readyDelay time.Duration
	log        logx.Logger

	ready atomic.Bool
	inbox chan platform.Message
	acks  chan platform.Ack
}

var _ platform.Background = (*Worker)(nil)

func NewWorker(surface Surface, readyDelay time.Duration, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		surface:    surface,
		readyDelay: readyDelay,
		log:        log.With(logx.String("comp", "background")),
		inbox:      make(chan platform.Message, 32),
		acks:       make(chan platform.Ack, 64),
	}
}

// Run activates the worker after its ready delay and serves messages until
// ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.readyDelay > 0 {
		t := time.NewTimer(w.readyDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	w.ready.Store(true)
	w.log.Debug("background worker active")
	defer w.ready.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg platform.Message) {
	switch msg.Kind {
	case platform.MessageShow:
		ack := platform.Ack{Tag: msg.Tag, Status: platform.AckShown}
		if err := w.surface.Show(ctx, msg.Notification); err != nil {
			ack.Status, ack.Error = platform.AckError, err.Error()
		}
		select {
		case w.acks <- ack:
		default:
			w.log.Warn("ack dropped, nobody is reading", logx.String("tag", msg.Tag))
		}
	default:
		w.log.Debug("unknown message", logx.String("kind", string(msg.Kind)))
	}
}

func (w *Worker) Ready() bool { return w.ready.Load() }

func (w *Worker) Post(ctx context.Context, msg platform.Message) error {
	if !w.Ready() {
		return ErrNotReady
	}
	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Acks() <-chan platform.Ack { return w.acks }

// Render shows n through the worker's surface without a round trip.
func (w *Worker) Render(ctx context.Context, n notification.Notification) error {
	if !w.Ready() {
		return ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.surface.Show(ctx, n)
}

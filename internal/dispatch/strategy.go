package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
)

// Display path names, also used as metric labels.
const (
	PathRoundTrip    = "round_trip"
	PathDirectRender = "direct_render"
	PathInPage       = "in_page"
)

var (
	ErrBackgroundUnavailable = errors.New("dispatch: background context not ready")
	ErrPageUnsupported       = errors.New("dispatch: in-page notifications unsupported")
)

// Strategy is one way of putting a notification on screen. The dispatcher
// tries its strategies in order and stops at the first nil error.
type Strategy interface {
	Name() string
	Display(ctx context.Context, n notification.Notification) error
}

// timeouts are shared with the strategies so Apply takes effect without
// rebuilding the chain.
type timeouts struct {
	ack    atomic.Int64
	render atomic.Int64
}

func (t *timeouts) set(ack, render time.Duration) {
	t.ack.Store(int64(ack))
	t.render.Store(int64(render))
}

func (t *timeouts) ackTimeout() time.Duration    { return time.Duration(t.ack.Load()) }
func (t *timeouts) renderTimeout() time.Duration { return time.Duration(t.render.Load()) }

// roundTrip posts a show message to the background context and waits for
// the matching ack.
type roundTrip struct {
	bg   platform.Background
	acks *ackRegistry
	t    *timeouts
}

func (s *roundTrip) Name() string { return PathRoundTrip }

func (s *roundTrip) Display(ctx context.Context, n notification.Notification) error {
	if s.bg == nil || !s.bg.Ready() {
		return ErrBackgroundUnavailable
	}
	tag := n.Tag()
	ackCh, release := s.acks.register(tag)
	defer release()

	if err := s.bg.Post(ctx, platform.Message{Kind: platform.MessageShow, Tag: tag, Notification: n}); err != nil {
		return fmt.Errorf("post to background: %w", err)
	}

	timer := time.NewTimer(s.t.ackTimeout())
	defer timer.Stop()
	select {
	case a := <-ackCh:
		if a.Status != platform.AckShown {
			return fmt.Errorf("background reported %s: %s", a.Status, a.Error)
		}
		return nil
	case <-timer.C:
		return notification.ErrDeliveryConfirmationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// directRender asks the background context's rendering API to show n
// without waiting for an ack.
type directRender struct {
	bg platform.Background
	t  *timeouts
}

func (s *directRender) Name() string { return PathDirectRender }

func (s *directRender) Display(ctx context.Context, n notification.Notification) error {
	if s.bg == nil || !s.bg.Ready() {
		return ErrBackgroundUnavailable
	}
	rctx, cancel := context.WithTimeout(ctx, s.t.renderTimeout())
	defer cancel()
	return s.bg.Render(rctx, n)
}

type inPage struct {
	page platform.Page
}

func (s *inPage) Name() string { return PathInPage }

func (s *inPage) Display(ctx context.Context, n notification.Notification) error {
	if s.page == nil || !s.page.Supported() {
		return ErrPageUnsupported
	}
	return s.page.Show(ctx, n)
}

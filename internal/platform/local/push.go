package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
	"edunotify/internal/storage"
	logx "edunotify/pkg/logx"
)

// Push is a push service backed by a websocket relay. The token is a
// per-installation uuid kept in storage; the relay routes events by it.
type Push struct {
	relayURL string
	store    storage.Store
	log      logx.Logger
	dialer   *websocket.Dialer

	mu sync.Mutex
	id string
}

var _ platform.PushService = (*Push)(nil)

func NewPush(relayURL string, store storage.Store, log logx.Logger) *Push {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Push{
		relayURL: strings.TrimSpace(relayURL),
		store:    store,
		log:      log.With(logx.String("comp", "push")),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *Push) Supported() bool { return p.relayURL != "" }

// Token returns the installation id, minting and persisting it on first use.
func (p *Push) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}
	if p.store != nil {
		v, ok, err := p.store.GetSetting(ctx, storage.KeyInstallation)
		if err != nil {
			return "", err
		}
		if ok && v != "" {
			p.id = v
			return v, nil
		}
	}
	id := uuid.NewString()
	if p.store != nil {
		if err := p.store.PutSetting(ctx, storage.KeyInstallation, id); err != nil {
			return "", err
		}
	}
	p.id = id
	return id, nil
}

// Listen holds a relay connection for token and hands each notification to
// handle. It returns nil when ctx ends and an error when the connection breaks.
func (p *Push) Listen(ctx context.Context, token string, handle func(notification.Notification)) error {
	u, err := url.Parse(p.relayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay dial: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()
	p.log.Info("push relay connected")

	for {
		var msg WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}
		switch msg.Type {
		case wireNotification:
			var n notification.Notification
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				p.log.Warn("bad push payload", logx.Err(err))
				continue
			}
			if err := notification.Validate(n); err != nil {
				p.log.Warn("invalid push notification", logx.String("id", n.ID), logx.Err(err))
				continue
			}
			handle(n)
		case wirePing:
		default:
			p.log.Debug("unknown relay frame", logx.String("type", msg.Type))
		}
	}
}

package token

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "edunotify/pkg/logx"
)

const refreshTimeout = 30 * time.Second

// Refresher periodically calls Manager.Refresh on a cron schedule.
type Refresher struct {
	m    *Manager
	log  logx.Logger
	spec string

	mu sync.Mutex
	c  *cron.Cron
}

// NewRefresher validates schedule (see ParseSchedule) without starting anything.
func NewRefresher(m *Manager, schedule string, log logx.Logger) (*Refresher, error) {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{m: m, log: log.With(logx.String("comp", "token.refresh")), spec: spec}, nil
}

func (r *Refresher) Spec() string { return r.spec }

// Start is idempotent. Jobs run with a context derived from ctx.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.spec, func() { r.run(ctx) }); err != nil {
		return err
	}
	c.Start()
	r.c = c
	r.log.Debug("token refresh scheduled", logx.String("spec", r.spec))
	return nil
}

func (r *Refresher) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := r.m.Refresh(rctx); err != nil {
		r.log.Warn("token refresh failed", logx.Err(err))
	}
}

// Stop waits for a running refresh unless ctx ends first.
func (r *Refresher) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

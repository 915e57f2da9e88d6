package local

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"edunotify/internal/notification"
	"edunotify/internal/platform"
	logx "edunotify/pkg/logx"
)

// Console prints notifications to a writer. It serves both as the worker's
// surface and as the in-page fallback.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	log logx.Logger
}

var _ platform.Page = (*Console)(nil)

func NewConsole(w io.Writer, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{w: w, log: log.With(logx.String("comp", "console"))}
}

func (c *Console) Supported() bool { return c.w != nil }

func (c *Console) Show(_ context.Context, n notification.Notification) error {
	if c.w == nil {
		return fmt.Errorf("console: no output")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(n.EffectivePriority())), n.Title)
	if n.Body != "" {
		fmt.Fprintf(&b, ": %s", n.Body)
	}
	if n.ActionURL != "" {
		label := n.ActionLabel
		if label == "" {
			label = "Open"
		}
		fmt.Fprintf(&b, " (%s: %s)", label, n.ActionURL)
	}
	b.WriteByte('\n')

	c.mu.Lock()
	_, err := io.WriteString(c.w, b.String())
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.log.Info("notification shown", logx.String("id", n.ID), logx.String("category", string(n.Category)))
	return nil
}

// Navigator records navigation requests and prints them.
type Navigator struct {
	mu   sync.Mutex
	w    io.Writer
	log  logx.Logger
	last string
}

var _ platform.Navigator = (*Navigator)(nil)

func NewNavigator(w io.Writer, log logx.Logger) *Navigator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Navigator{w: w, log: log.With(logx.String("comp", "navigator"))}
}

func (n *Navigator) Navigate(_ context.Context, url string) error {
	n.mu.Lock()
	n.last = url
	w := n.w
	n.mu.Unlock()
	if w != nil {
		if _, err := fmt.Fprintf(w, "-> opening %s\n", url); err != nil {
			return err
		}
	}
	n.log.Info("navigated", logx.String("url", url))
	return nil
}

// Last returns the most recent destination.
func (n *Navigator) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

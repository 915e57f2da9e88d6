// Package autoopen decides whether a displayed notification should move the
// user to its destination without an explicit click, and performs that
// navigation after a short delay.
package autoopen

import (
	"net/url"
	"strings"

	"edunotify/internal/notification"
)

// actionable categories always warrant opening.
var actionable = map[notification.Category]struct{}{
	notification.CategoryEmergency:       {},
	notification.CategorySecurity:        {},
	notification.CategoryAttendanceAlert: {},
}

var defaultRoots = []string{"/"}

// Policy is the pure decision function plus the set of destinations that
// count as "the root" (never a meaningful action URL).
type Policy struct {
	RootPaths []string
}

// ShouldAutoOpen applies the default policy.
func ShouldAutoOpen(n notification.Notification, preferenceEnabled bool) bool {
	return Policy{}.ShouldAutoOpen(n, preferenceEnabled)
}

func (p Policy) ShouldAutoOpen(n notification.Notification, preferenceEnabled bool) bool {
	if !preferenceEnabled {
		return false
	}
	switch n.EffectivePriority() {
	case notification.PriorityHigh, notification.PriorityUrgent:
		return true
	}
	if _, ok := actionable[notification.Category(strings.ToLower(string(n.Category)))]; ok {
		return true
	}
	return hasDestination(n.ActionURL, p.roots())
}

func (p Policy) roots() []string {
	if len(p.RootPaths) == 0 {
		return defaultRoots
	}
	return p.RootPaths
}

// hasDestination reports whether raw names somewhere other than a root path.
func hasDestination(raw string, roots []string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	path = "/" + strings.Trim(path, "/")
	for _, r := range roots {
		if path == "/"+strings.Trim(strings.TrimSpace(r), "/") {
			return false
		}
	}
	return true
}

package token

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5 or 6 field specs and descriptors like "@every 24h".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule normalizes a refresh schedule into a cron spec.
//
// Accepted forms:
//   - cron or descriptor: "0 3 * * *", "@daily", "@every 12h"
//   - Go duration: "24h", "90m"
//   - HH:MM interval: "12:00" (every 12 hours)
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
	} else if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := parseInterval(s)
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *', '@every 24h', HH:MM or a duration)", raw)
		}
		s = "@every " + d.String()
	}
	if _, err := cronParser.Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return s, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

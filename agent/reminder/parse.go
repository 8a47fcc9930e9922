// Package reminder turns reminder lines written by the reminder agent into
// stored reminders and fires them when they come due.
//
// A reminder line looks like
//
//	REMINDER: stand-up notes | WHEN: 09:30 | RECURRING: yes daily
package reminder

import (
	"regexp"
	"strings"
	"time"
)

const (
	intervalHourly = int64(3600)
	intervalDaily  = int64(86400)
	intervalWeekly = int64(604800)
)

var reminderPrefix = regexp.MustCompile(`(?i)^\s*REMINDER:\s*`)

// Parsed is one reminder read from text
type Parsed struct {
	Message         string
	When            string     // raw WHEN value, "" when absent
	TriggerAt       *time.Time // nil when When is not a time we understand
	Recurring       bool
	IntervalSeconds int64
}

// Parse reads every reminder line of text. now anchors relative times.
func Parse(text string, now time.Time) []Parsed {
	var out []Parsed
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "REMINDER:") && !strings.Contains(line, "| WHEN:") {
			continue
		}
		parts := strings.Split(line, "|")
		p := Parsed{Message: strings.TrimSpace(reminderPrefix.ReplaceAllString(parts[0], ""))}
		if p.Message == "" {
			continue
		}
		for _, part := range parts[1:] {
			part = strings.TrimSpace(part)
			upper := strings.ToUpper(part)
			switch {
			case strings.HasPrefix(upper, "WHEN:"):
				p.When = strings.TrimSpace(part[len("WHEN:"):])
			case strings.HasPrefix(upper, "RECURRING:"):
				val := strings.ToLower(strings.TrimSpace(part[len("RECURRING:"):]))
				p.Recurring = strings.HasPrefix(val, "yes")
				switch {
				case strings.Contains(val, "daily"):
					p.IntervalSeconds = intervalDaily
				case strings.Contains(val, "weekly"):
					p.IntervalSeconds = intervalWeekly
				case strings.Contains(val, "hourly"):
					p.IntervalSeconds = intervalHourly
				}
			}
		}
		p.TriggerAt = parseWhen(p.When, now)
		out = append(out, p)
	}
	return out
}

// parseWhen understands RFC3339 timestamps, "in <duration>" and a
// wall-clock "HH:MM" (the next occurrence in now's location). Anything else
// is natural language and yields nil.
func parseWhen(raw string, now time.Time) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "in ") {
		if d, err := time.ParseDuration(strings.ReplaceAll(strings.TrimSpace(lower[3:]), " ", "")); err == nil && d > 0 {
			t := now.Add(d)
			return &t
		}
		return nil
	}
	if clock, err := time.Parse("15:04", raw); err == nil {
		t := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return &t
	}
	return nil
}

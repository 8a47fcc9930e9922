package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// cronParser accepts five fields, an optional leading seconds field and
// descriptors such as @daily or @every 2h.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// intervalEnd bounds INTERVAL stepping: slots run while before 23:59
const intervalEnd = 23*60 + 59

// maxSlotsPerDay caps cron enumeration (one per second)
const maxSlotsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time within a calendar day
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS"
func ParseTimeOfDay(lit string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(lit), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, errors.Newf("invalid time of day %q: want HH:MM or HH:MM:SS", lit)
	}
	limits := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] || len(p) == 0 || len(p) > 2 {
			return TimeOfDay{}, errors.Newf("invalid time of day %q", lit)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// On returns the instant of t on day's calendar date in loc
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, t.Second, 0, loc)
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before orders times of day
func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.seconds() < o.seconds()
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Compiler turns schedules into the times of day they fire on a given date.
// Compilation never fails: bad definitions log a warning and yield nothing.
type Compiler struct {
	log *zap.SugaredLogger
}

// NewCompiler creates a compiler. A nil logger uses the global logger.
func NewCompiler(log *zap.SugaredLogger) *Compiler {
	if log == nil {
		log = logger.Logger
	}
	return &Compiler{log: logger.AddPulseSymbol(log)}
}

// Compile returns the ascending, deduplicated slots s fires on day's
// calendar date in the schedule's timezone.
func (c *Compiler) Compile(s *Schedule, day time.Time) []TimeOfDay {
	switch s.Type {
	case TypeFixedTimes:
		return c.compileFixed(s)
	case TypeInterval:
		return compileInterval(s.IntervalMinutes)
	case TypeCron:
		return c.compileCron(s, day)
	default:
		// IMMEDIATE and unknown types have no recurring slots
		return nil
	}
}

func (c *Compiler) compileFixed(s *Schedule) []TimeOfDay {
	out := make([]TimeOfDay, 0, len(s.TimesOfDay))
	for _, lit := range s.TimesOfDay {
		t, err := ParseTimeOfDay(lit)
		if err != nil {
			c.log.Warnw("Invalid time of day",
				logger.FieldScheduleID, s.ID,
				"literal", lit,
				logger.FieldError, err)
			return nil
		}
		out = append(out, t)
	}
	return sortUnique(out)
}

func compileInterval(minutes int) []TimeOfDay {
	if minutes <= 0 {
		return nil
	}
	var out []TimeOfDay
	for m := 0; m < intervalEnd; m += minutes {
		out = append(out, TimeOfDay{Hour: m / 60, Minute: m % 60})
	}
	return out
}

func (c *Compiler) compileCron(s *Schedule, day time.Time) []TimeOfDay {
	sched, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		c.log.Warnw("Invalid cron expression",
			logger.FieldScheduleID, s.ID,
			"cron", s.CronExpr,
			logger.FieldError, err)
		return nil
	}

	loc := s.Location(c.log)
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	end := time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc)

	var out []TimeOfDay
	// @every steps a fixed delay from midnight, so the day starts on a slot
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		for at := start; at.Before(end) && len(out) < maxSlotsPerDay; at = at.Add(every.Delay) {
			local := at.In(loc)
			out = append(out, TimeOfDay{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()})
		}
		return sortUnique(out)
	}
	// Next is exclusive, so step back one second to include midnight
	for next := sched.Next(start.Add(-time.Second)); next.Before(end) && !next.IsZero(); next = sched.Next(next) {
		local := next.In(loc)
		out = append(out, TimeOfDay{Hour: local.Hour(), Minute: local.Minute(), Second: local.Second()})
		if len(out) >= maxSlotsPerDay {
			break
		}
	}
	// DST fall-back can repeat a wall-clock time
	return sortUnique(out)
}

func sortUnique(in []TimeOfDay) []TimeOfDay {
	sort.Slice(in, func(i, j int) bool { return in[i].Before(in[j]) })
	out := make([]TimeOfDay, 0, len(in))
	for _, t := range in {
		if len(out) > 0 && t == out[len(out)-1] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// NextRuns previews the next n fire instants of s strictly after from.
// Looks at most a year ahead.
func (c *Compiler) NextRuns(s *Schedule, from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	loc := s.Location(c.log)
	day := from.In(loc)

	var out []time.Time
	for i := 0; i < 366 && len(out) < n; i++ {
		date := time.Date(day.Year(), day.Month(), day.Day()+i, 12, 0, 0, 0, loc)
		for _, slot := range c.Compile(s, date) {
			at := slot.On(date, loc)
			if !at.After(from) {
				continue
			}
			out = append(out, at)
			if len(out) == n {
				break
			}
		}
		if s.Type != TypeCron && s.Type != TypeFixedTimes && s.Type != TypeInterval {
			break
		}
	}
	return out
}

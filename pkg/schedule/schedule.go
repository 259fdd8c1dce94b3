package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the slot after a given time.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals aligned to time.Time's zero instant,
// so every process computes the same slots.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals. Slots are aligned
// the way time.Truncate aligns, so Every(time.Hour) fires on the hour.
func Every(d time.Duration) Schedule {
	if d < time.Second {
		d = time.Second
	}
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.UTC().Truncate(s.interval).Add(s.interval)
}

// dailySchedule runs at a specific time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weeklySchedule runs at a specific day and time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific UTC day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)

	daysUntil := int(s.day - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a five-field cron expression or a descriptor such as
// "@daily" or "@every 6h". Expressions are evaluated in UTC.
func Parse(expr string) (Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{expr: expr, schedule: sched}, nil
}

// Cron is Parse for expressions known to be valid; it panics otherwise.
func Cron(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from.UTC())
}

func (s *cronSchedule) String() string {
	return s.expr
}

// maxSlots bounds Between so a tiny interval over a wide window cannot run away.
const maxSlots = 1000

// Between lists the slots in (from, to], oldest first, at most maxSlots of them.
func Between(s Schedule, from, to time.Time) []time.Time {
	var slots []time.Time
	for next := s.Next(from); !next.After(to); next = s.Next(next) {
		slots = append(slots, next)
		if len(slots) == maxSlots {
			break
		}
	}
	return slots
}

// Latest returns the most recent slot at or before now within lookback, and
// false when there is none.
func Latest(s Schedule, now time.Time, lookback time.Duration) (time.Time, bool) {
	slots := Between(s, now.Add(-lookback), now)
	if len(slots) == 0 {
		return time.Time{}, false
	}
	return slots[len(slots)-1], true
}

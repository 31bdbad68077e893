package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// Embed the zone database so zones resolve on images without /usr/share/zoneinfo
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultCronExpression runs hourly on the hour
	DefaultCronExpression = "0 0 * * * *"

	// DefaultTimezone is the zone cron expressions are evaluated in
	DefaultTimezone = "Australia/Melbourne"
)

// ErrEmptyCronExpression is returned when a scheduled run has no expression
var ErrEmptyCronExpression = errors.New("cron expression is empty")

// cronParser accepts six fields with seconds first, classic five-field
// expressions and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule decides when runs are triggered
type Schedule struct {
	// Immediate runs once at start instead of on the cron expression
	Immediate bool

	// Expression is the cron expression as configured
	Expression string

	// Location is the zone Expression is evaluated in
	Location *time.Location

	spec cron.Schedule
}

// Immediate returns a schedule that runs exactly once
func Immediate() *Schedule {
	return &Schedule{Immediate: true, Location: time.Local}
}

// ParseSchedule parses a cron expression evaluated in the named IANA zone.
// An empty timezone means DefaultTimezone.
func ParseSchedule(expression, timezone string) (*Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, ErrEmptyCronExpression
	}

	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	spec, err := cronParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	return &Schedule{
		Expression: expression,
		Location:   loc,
		spec:       spec,
	}, nil
}

// Next returns the first activation after t, in the schedule's zone.
// It returns the zero time for immediate schedules.
func (s *Schedule) Next(t time.Time) time.Time {
	if s.Immediate || s.spec == nil {
		return time.Time{}
	}
	return s.spec.Next(t.In(s.Location))
}

func (s *Schedule) String() string {
	if s.Immediate {
		return "immediate"
	}
	return fmt.Sprintf("%s (%s)", s.Expression, s.Location)
}

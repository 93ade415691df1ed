package domain

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Time interval kinds.
const (
	IntervalEverySecond = "every_second"
	IntervalEveryMinute = "every_minute"
	IntervalHalfHourly  = "half_hourly"
	IntervalHourly      = "hourly"
	IntervalHalfDaily   = "half_daily"
	IntervalDaily       = "daily"
	IntervalWeekly      = "weekly"
	IntervalFortnightly = "fortnightly"
	IntervalMonthly     = "monthly"
	IntervalCustom      = "custom"
	IntervalCron        = "cron"
)

var fixedIntervals = map[string]time.Duration{
	IntervalEverySecond: time.Second,
	IntervalEveryMinute: time.Minute,
	IntervalHalfHourly:  30 * time.Minute,
	IntervalHourly:      time.Hour,
	IntervalHalfDaily:   12 * time.Hour,
	IntervalDaily:       24 * time.Hour,
	IntervalWeekly:      7 * 24 * time.Hour,
	IntervalFortnightly: 14 * 24 * time.Hour,
}

// cronParser accepts standard five-field expressions with an optional leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TimeInterval is the cadence between vault executions.
// A zero value (empty Kind) means no recurring cadence.
type TimeInterval struct {
	Kind       string `json:"kind" yaml:"kind"`
	Seconds    int64  `json:"seconds,omitempty" yaml:"seconds,omitempty"`       // custom only
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"` // cron only
}

// Every returns one of the fixed interval kinds.
func Every(kind string) TimeInterval { return TimeInterval{Kind: kind} }

// CustomInterval returns an interval of the given number of seconds.
func CustomInterval(seconds int64) TimeInterval {
	return TimeInterval{Kind: IntervalCustom, Seconds: seconds}
}

// CronInterval returns an interval driven by a cron expression.
func CronInterval(expression string) TimeInterval {
	return TimeInterval{Kind: IntervalCron, Expression: expression}
}

// IsSet reports whether a cadence is configured.
func (i TimeInterval) IsSet() bool {
	return i.Kind != ""
}

// Validate checks that the interval is well formed.
func (i TimeInterval) Validate() error {
	switch i.Kind {
	case "", IntervalMonthly:
		return nil
	case IntervalCustom:
		if i.Seconds <= 0 {
			return fmt.Errorf("custom interval must be positive, got %d seconds: %w", i.Seconds, ErrConfiguration)
		}
		return nil
	case IntervalCron:
		if _, err := cronParser.Parse(i.Expression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %v: %w", i.Expression, err, ErrConfiguration)
		}
		return nil
	}
	if _, ok := fixedIntervals[i.Kind]; ok {
		return nil
	}
	return fmt.Errorf("unknown time interval %q: %w", i.Kind, ErrConfiguration)
}

// Next returns the target time following prev. The result depends only on
// prev, never on when the previous execution actually ran.
func (i TimeInterval) Next(prev time.Time) (time.Time, error) {
	switch i.Kind {
	case "":
		return time.Time{}, fmt.Errorf("no time interval configured: %w", ErrInvalidState)
	case IntervalMonthly:
		return prev.AddDate(0, 1, 0), nil
	case IntervalCustom:
		if i.Seconds <= 0 {
			return time.Time{}, fmt.Errorf("custom interval must be positive: %w", ErrConfiguration)
		}
		return prev.Add(time.Duration(i.Seconds) * time.Second), nil
	case IntervalCron:
		schedule, err := cronParser.Parse(i.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %v: %w", i.Expression, err, ErrConfiguration)
		}
		return schedule.Next(prev), nil
	}
	d, ok := fixedIntervals[i.Kind]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown time interval %q: %w", i.Kind, ErrConfiguration)
	}
	return prev.Add(d), nil
}

func (i TimeInterval) String() string {
	switch i.Kind {
	case IntervalCustom:
		return fmt.Sprintf("custom(%ds)", i.Seconds)
	case IntervalCron:
		return fmt.Sprintf("cron(%s)", i.Expression)
	}
	return i.Kind
}

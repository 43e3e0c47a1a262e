package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule expression cannot be
// parsed.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// cronParser accepts the standard 5-field format (minute hour day month
// weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule describes when the activator starts runs of a deployment.
// Deployments are immutable, so the schedule carries no mutable
// bookkeeping; activation times are derived from the expression on demand
// and duplicate activations collapse through the run idempotency key.
type Schedule struct {
	Cron string `json:"cron" validate:"required"`
}

// Validate checks that the cron expression parses.
func (s *Schedule) Validate() error {
	if s.Cron == "" {
		return ErrInvalidSchedule
	}

	if _, err := cronParser.Parse(s.Cron); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, err)
	}

	return nil
}

// Next returns the first activation strictly after the given time.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(s.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSchedule, err)
	}

	return spec.Next(after), nil
}

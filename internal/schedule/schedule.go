// Package schedule maintains durable cron schedules and fires them into the
// job engine. A min-heap keyed by next fire drives a single timer; cron
// expressions are standard 5-field and evaluate in each schedule's IANA time
// zone, so DST transitions shift fires with the zone.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/jobs"
)

// cronParser accepts minute hour dom month dow with *, */n, a,b,c and a-b.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSchedule is one durable recurring job definition.
type CronSchedule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Expression string         `json:"expression"`
	TimeZone   string         `json:"timeZone"`
	TaskType   jobs.TaskType  `json:"taskType"`
	Priority   jobs.Priority  `json:"priority"`
	Options    map[string]any `json:"options,omitempty"`
	Enabled    bool           `json:"enabled"`

	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	MaxRetries  int           `json:"maxRetries,omitempty"`

	LastExecutedAt  *time.Time  `json:"lastExecutedAt,omitempty"`
	NextExecutionAt *time.Time  `json:"nextExecutionAt,omitempty"`
	ExecutionCount  int64       `json:"executionCount"`
	LastStatus      jobs.Status `json:"lastStatus,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate rejects malformed expressions, unknown zones, and bad priorities
// at write time.
func (s CronSchedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errs.New("schedule/validate", errs.KindValidation, errs.WithMessage("name required"))
	}
	if s.TaskType == "" {
		return errs.New("schedule/validate", errs.KindValidation, errs.WithMessage("task type required"))
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return errs.New("schedule/validate", errs.KindValidation,
			errs.WithMessage("unknown priority"), errs.WithField("priority", string(s.Priority)))
	}
	if _, err := cronParser.Parse(s.Expression); err != nil {
		return errs.New("schedule/validate", errs.KindValidation,
			errs.WithMessage("malformed cron expression"), errs.WithCause(err),
			errs.WithField("expression", s.Expression))
	}
	if _, err := s.location(); err != nil {
		return errs.New("schedule/validate", errs.KindValidation,
			errs.WithMessage("unknown time zone"), errs.WithCause(err),
			errs.WithField("timeZone", s.TimeZone))
	}
	return nil
}

func (s CronSchedule) location() (*time.Location, error) {
	zone := strings.TrimSpace(s.TimeZone)
	if zone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(zone)
}

// NextAfter computes the first fire strictly after t, evaluated in the
// schedule's zone. The result is always in the future relative to t, so two
// evaluations never emit a fire in the past.
func (s CronSchedule) NextAfter(t time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(s.Expression)
	if err != nil {
		return time.Time{}, errs.New("schedule/next", errs.KindValidation,
			errs.WithMessage("malformed cron expression"), errs.WithCause(err))
	}
	loc, err := s.location()
	if err != nil {
		return time.Time{}, errs.New("schedule/next", errs.KindValidation,
			errs.WithMessage("unknown time zone"), errs.WithCause(err))
	}
	return spec.Next(t.In(loc)), nil
}

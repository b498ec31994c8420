package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/irislabs/iris/pkg/events"
	"github.com/irislabs/iris/pkg/scheduler"
)

// PurposeReflection is the scheduler purpose of the nightly reflection.
const PurposeReflection = "reflection"

// registerJobs schedules the nightly reflection and restores persisted
// reminders. A reminder that cannot be restored is skipped.
func (d *Daemon) registerJobs(ctx context.Context) error {
	if !d.config.Reflection.Disabled {
		key := scheduler.JobKey{Destination: d.reflector.Destination(), Purpose: PurposeReflection}
		if err := d.scheduler.ScheduleDaily(key, d.config.Reflection.Time, d.reflectionJob); err != nil {
			return fmt.Errorf("schedule reflection at %q: %w", d.config.Reflection.Time, err)
		}
		slog.Info("nightly reflection scheduled", "time", d.config.Reflection.Time, "destination", key.Destination)
	} else {
		slog.Info("nightly reflection disabled by config")
	}

	if _, err := d.toolkit.RestoreReminders(ctx); err != nil {
		slog.Warn("reminder restore failed", "error", err)
	}
	return nil
}

// reflectionJob runs the scheduled reflection. A failure is reported and
// left for the next night.
func (d *Daemon) reflectionJob(ctx context.Context) error {
	start := time.Now()
	d.events.Publish(events.Event{Type: events.TypeJob, Name: PurposeReflection, Level: "info", Message: "nightly reflection fired"})

	report, err := d.reflector.ReflectOnce(ctx)
	if err != nil {
		d.events.Publish(events.Event{
			Type:       events.TypeJob,
			Name:       PurposeReflection,
			Level:      "error",
			Message:    err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		return err
	}
	d.events.Publish(events.Event{
		Type:       events.TypeJob,
		Name:       PurposeReflection,
		Level:      "info",
		Message:    "reflection saved for " + report.Day,
		DurationMS: time.Since(start).Milliseconds(),
	})
	return nil
}

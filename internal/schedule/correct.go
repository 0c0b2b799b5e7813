// Package schedule corrects historical served timestamps: every meal slot
// has one canonical UTC serving time, and events whose servedAt drifted from
// it are snapped back onto the slot time of their service date.
package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

type slotTime struct {
	hour   int
	minute int
}

// Canonical UTC serving times per slot. Slots without an entry use
// defaultSlotTime.
var slotTimes = map[model.MealSlot]slotTime{
	model.SlotBreakfast:    {12, 30},
	model.SlotLunch:        {17, 30},
	model.SlotPreTraining:  {19, 0},
	model.SlotPostTraining: {21, 0},
	model.SlotDinner:       {23, 0},
	model.SlotPreBed:       {23, 30},
	model.SlotSnack:        {15, 0},
}

var defaultSlotTime = slotTime{18, 0}

const (
	// maxDeviation is the drift tolerated before an event is corrected.
	// A servedAt exactly this far from canonical is left alone.
	maxDeviation = time.Minute

	// changeLogCap bounds the per-event change list in the summary so a
	// month-wide fix stays printable.
	changeLogCap = 30
)

// CanonicalServedAt returns the canonical UTC serving moment for a slot on
// the event's service date.
func CanonicalServedAt(serviceDate time.Time, slot model.MealSlot) time.Time {
	at, ok := slotTimes[slot]
	if !ok {
		at = defaultSlotTime
	}
	d := serviceDate.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), at.hour, at.minute, 0, 0, time.UTC)
}

// Options scope one correction run. Month is "YYYY-MM" and is required.
type Options struct {
	Org    string
	Month  string
	Limit  int
	DryRun bool
}

// Change records one corrected event in the summary.
type Change struct {
	EventID  string         `json:"eventId"`
	MealSlot model.MealSlot `json:"mealSlot"`
	Before   time.Time      `json:"servedAtBefore"`
	After    time.Time      `json:"servedAtAfter"`
}

// Summary is the machine-readable outcome of one correction run.
type Summary struct {
	RunID      string            `json:"runId"`
	Kind       model.RunKind     `json:"kind"`
	Org        string            `json:"organizationSlug"`
	Month      string            `json:"month"`
	DryRun     bool              `json:"dryRun"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Checked    int               `json:"checked"`
	Updated    int               `json:"updated"`
	Unchanged  int               `json:"unchanged"`
	Changes    []Change          `json:"changes"`
	Errors     []model.ItemError `json:"errors,omitempty"`
}

// Corrector snaps served timestamps back onto canonical slot times.
type Corrector struct {
	store store.Store
}

// NewCorrector builds a corrector.
func NewCorrector(st store.Store) *Corrector {
	return &Corrector{store: st}
}

// Run checks every event served in the month and rewrites servedAt where it
// deviates from canonical by more than a minute. The whole month runs in one
// transaction; dry runs exercise the updates and roll back.
func (c *Corrector) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      model.RunCorrectTimes,
		Org:       opts.Org,
		Month:     opts.Month,
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
		Changes:   []Change{},
	}
	log := zap.L().With(
		zap.String("component", "schedule.corrector"),
		zap.String("run_id", sum.RunID),
		zap.String("org", opts.Org),
		zap.String("month", opts.Month),
		zap.Bool("dry_run", opts.DryRun),
	)

	from, to, err := monthWindow(opts.Month)
	if err != nil {
		sum.FinishedAt = time.Now().UTC()
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "correct-times", Reason: err.Error()})
		return sum, err
	}

	err = c.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		ok, err := tx.OrganizationExists(ctx, opts.Org)
		if err != nil {
			return eris.Wrap(err, "correct-times: check organization")
		}
		if !ok {
			return eris.Errorf("correct-times: unknown organization %q", opts.Org)
		}

		events, err := tx.ListEvents(ctx, opts.Org, store.EventFilter{
			From:  from,
			To:    to,
			Limit: opts.Limit,
		})
		if err != nil {
			return eris.Wrap(err, "correct-times: list events")
		}
		sum.Checked = len(events)
		if len(events) == 0 {
			log.Info("no events in month")
			return store.ErrRollback
		}

		for _, ev := range events {
			select {
			case <-ctx.Done():
				return eris.Wrap(ctx.Err(), "correct-times: cancelled")
			default:
			}

			if ev.ServedAt.IsZero() || ev.ServiceDate.IsZero() {
				sum.Unchanged++
				continue
			}

			target := CanonicalServedAt(ev.ServiceDate, ev.MealSlot)
			drift := ev.ServedAt.UTC().Sub(target)
			if drift < 0 {
				drift = -drift
			}
			if drift <= maxDeviation {
				sum.Unchanged++
				continue
			}

			if err := tx.UpdateEventServedAt(ctx, ev.ID, target); err != nil {
				return eris.Wrapf(err, "correct-times: update event %s", ev.ID)
			}
			sum.Updated++
			if len(sum.Changes) < changeLogCap {
				sum.Changes = append(sum.Changes, Change{
					EventID:  ev.ID,
					MealSlot: ev.MealSlot,
					Before:   ev.ServedAt.UTC(),
					After:    target,
				})
			}
		}

		sum.FinishedAt = time.Now().UTC()
		if opts.DryRun {
			return store.ErrRollback
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "correct-times: marshal summary")
		}
		if err := tx.RecordRun(ctx, &model.RunRecord{
			ID:         sum.RunID,
			Kind:       model.RunCorrectTimes,
			OrgSlug:    opts.Org,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Summary:    raw,
		}); err != nil {
			return eris.Wrap(err, "correct-times: record run")
		}
		return nil
	})

	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	if err != nil {
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "correct-times", Reason: err.Error()})
		log.Error("served-time correction failed", zap.Error(err))
		return sum, err
	}
	log.Info("served-time correction complete",
		zap.Int("checked", sum.Checked),
		zap.Int("updated", sum.Updated),
		zap.Int("unchanged", sum.Unchanged),
	)
	return sum, nil
}

func monthWindow(month string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "correct-times: parse month %q", month)
	}
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0), nil
}

package lineage

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

// RunOptions scope one label rebuild run. Month is "YYYY-MM" and selects
// events by service date; empty Month selects every event the other fields
// allow.
type RunOptions struct {
	Org      string
	Month    string
	EventIDs []string
	Slot     model.MealSlot
	Limit    int
	DryRun   bool
}

// RunSummary is the machine-readable outcome of one rebuild run.
type RunSummary struct {
	RunID           string            `json:"runId"`
	Kind            model.RunKind     `json:"kind"`
	Org             string            `json:"organizationSlug"`
	Month           string            `json:"month,omitempty"`
	DryRun          bool              `json:"dryRun"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt"`
	EventCount      int               `json:"eventCount"`
	RefreshedEvents int               `json:"refreshedEvents"`
	Events          []Result          `json:"events,omitempty"`
	Errors          []model.ItemError `json:"errors,omitempty"`
}

// Runner rebuilds the final label tree for every event in scope inside one
// transaction. An event that cannot be rebuilt is recorded and skipped; the
// rest of the batch proceeds.
type Runner struct {
	store   store.Store
	builder *Builder
}

// NewRunner wires a runner over st using b for the per-event rebuilds.
func NewRunner(st store.Store, b *Builder) *Runner {
	return &Runner{store: st, builder: b}
}

// Run refreshes every event in scope. The returned summary is non-nil even
// when the run fails partway.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	sum := &RunSummary{
		RunID:     uuid.NewString(),
		Kind:      model.RunLabels,
		Org:       opts.Org,
		Month:     opts.Month,
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
	}
	log := zap.L().With(
		zap.String("component", "lineage.runner"),
		zap.String("run_id", sum.RunID),
		zap.String("org", opts.Org),
		zap.Bool("dry_run", opts.DryRun),
	)

	filter := store.EventFilter{
		IDs:   opts.EventIDs,
		Slot:  opts.Slot,
		Limit: opts.Limit,
	}
	if opts.Month != "" {
		from, to, err := monthRange(opts.Month)
		if err != nil {
			sum.FinishedAt = time.Now().UTC()
			sum.Errors = append(sum.Errors, model.ItemError{Stage: "labels", Reason: err.Error()})
			return sum, err
		}
		filter.From, filter.To = from, to
	}

	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		ok, err := tx.OrganizationExists(ctx, opts.Org)
		if err != nil {
			return eris.Wrap(err, "labels: check organization")
		}
		if !ok {
			return eris.Errorf("labels: unknown organization %q", opts.Org)
		}

		events, err := tx.ListEvents(ctx, opts.Org, filter)
		if err != nil {
			return eris.Wrap(err, "labels: list events")
		}
		sum.EventCount = len(events)
		if len(events) == 0 {
			log.Info("no events in scope")
			return store.ErrRollback
		}
		log.Info("rebuilding event labels", zap.Int("count", len(events)))

		for _, ev := range events {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			res, err := r.builder.RefreshEvent(ctx, tx, ev)
			if err != nil {
				sum.Errors = append(sum.Errors, model.ItemError{
					ItemID: ev.ID,
					Stage:  "refresh",
					Reason: err.Error(),
				})
				log.Warn("event skipped", zap.String("event_id", ev.ID), zap.Error(err))
				continue
			}
			sum.Events = append(sum.Events, *res)
		}
		sum.RefreshedEvents = len(sum.Events)

		sum.FinishedAt = time.Now().UTC()
		if opts.DryRun {
			return store.ErrRollback
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "labels: marshal summary")
		}
		if err := tx.RecordRun(ctx, &model.RunRecord{
			ID:         sum.RunID,
			Kind:       model.RunLabels,
			OrgSlug:    opts.Org,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Summary:    raw,
		}); err != nil {
			return eris.Wrap(err, "labels: record run")
		}
		return nil
	})

	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	if err != nil {
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "labels", Reason: err.Error()})
		log.Error("label rebuild failed", zap.Error(err))
		return sum, err
	}
	log.Info("label rebuild complete",
		zap.Int("events", sum.EventCount),
		zap.Int("refreshed", sum.RefreshedEvents),
		zap.Int("skipped", len(sum.Errors)),
	)
	return sum, nil
}

// monthRange converts "YYYY-MM" to the UTC bounds [first of month, first of
// the next month).
func monthRange(month string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "labels: parse month %q", month)
	}
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0), nil
}

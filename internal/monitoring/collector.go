// Package monitoring watches store health in the background and pushes
// webhook alerts when the verification queue backs up or the batch cadence
// stalls.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// watchedKinds are the run kinds the collector reports on.
var watchedKinds = []model.RunKind{
	model.RunEnrich,
	model.RunLabels,
	model.RunVerify,
	model.RunCatalog,
	model.RunCorrectTimes,
}

// RunStatus summarizes the latest recorded run of one kind.
type RunStatus struct {
	Kind       model.RunKind `json:"kind"`
	RunID      string        `json:"run_id"`
	FinishedAt time.Time     `json:"finished_at"`
	Errors     int           `json:"errors"`
}

// MetricsSnapshot holds a point-in-time view of store health.
type MetricsSnapshot struct {
	Products            int         `json:"products"`
	ProductsMissingCore int         `json:"products_missing_core"`
	UnverifiedValues    int         `json:"unverified_values"`
	OpenTasks           int         `json:"open_tasks"`
	CatalogEntries      int         `json:"catalog_entries"`
	Runs                []RunStatus `json:"runs"`
	CollectedAt         time.Time   `json:"collected_at"`
}

// Collector gathers health metrics for one organization from the store.
type Collector struct {
	store store.Store
	org   string
}

// NewCollector creates a metrics collector scoped to org.
func NewCollector(st store.Store, org string) *Collector {
	return &Collector{store: st, org: org}
}

// Collect gathers a snapshot of store health.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.Counts(ctx, c.org, nutrient.CoreKeys())
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store counts")
	}
	snap.Products = counts.Products
	snap.ProductsMissingCore = counts.ProductsMissingCore
	snap.UnverifiedValues = counts.UnverifiedValues
	snap.OpenTasks = counts.OpenTasks
	snap.CatalogEntries = counts.CatalogEntries

	for _, kind := range watchedKinds {
		run, err := c.store.LatestRun(ctx, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: latest %s run", kind)
		}
		if run == nil {
			// Kinds that never ran are left out; staleness starts counting
			// from the first recorded run.
			continue
		}
		snap.Runs = append(snap.Runs, RunStatus{
			Kind:       kind,
			RunID:      run.ID,
			FinishedAt: run.FinishedAt,
			Errors:     countRunErrors(run.Summary),
		})
	}

	return snap, nil
}

// countRunErrors reads the errors array length out of a run summary.
// Summaries that don't decode count as zero.
func countRunErrors(summary json.RawMessage) int {
	var s struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(summary, &s); err != nil {
		return 0
	}
	return len(s.Errors)
}

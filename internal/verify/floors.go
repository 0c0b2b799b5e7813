package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// FloorOptions scope one floor-imputation cleanup. An empty ArtifactPath
// derives a timestamped file under ./artifacts.
type FloorOptions struct {
	Org          string
	ArtifactPath string
	DryRun       bool
}

// FloorSummary is the machine-readable outcome of one cleanup.
type FloorSummary struct {
	RunID        string            `json:"runId"`
	Kind         model.RunKind     `json:"kind"`
	Org          string            `json:"organizationSlug"`
	DryRun       bool              `json:"dryRun"`
	ArtifactPath string            `json:"artifactPath"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt"`
	FloorRows    int               `json:"floorRows"`
	UpdatedRows  int               `json:"updatedRows"`
	Errors       []model.ItemError `json:"errors,omitempty"`
}

// floorArtifact is the audit file written before any row is cleared.
type floorArtifact struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Org         string                `json:"organization_slug"`
	Rows        []model.NutrientValue `json:"rows"`
}

// FloorCleaner exports and clears rows written by the legacy trace-floor
// imputation. Cleared rows keep their id and audit trail: the value is
// nulled, the ref flipped to pending-rebuild, and the version bumped, so the
// next enrichment run rebuilds them from real sources.
type FloorCleaner struct {
	store store.Store
}

// NewFloorCleaner builds a cleaner.
func NewFloorCleaner(st store.Store) *FloorCleaner {
	return &FloorCleaner{store: st}
}

// Run exports every floor-imputed row to the artifact, then nulls them. The
// artifact is written before the first update and on dry runs too; a cleanup
// that cannot write its audit trail does not touch the rows.
func (c *FloorCleaner) Run(ctx context.Context, opts FloorOptions) (*FloorSummary, error) {
	sum := &FloorSummary{
		RunID:        uuid.NewString(),
		Kind:         model.RunVerify,
		Org:          opts.Org,
		DryRun:       opts.DryRun,
		ArtifactPath: opts.ArtifactPath,
		StartedAt:    time.Now().UTC(),
	}
	if sum.ArtifactPath == "" {
		sum.ArtifactPath = defaultArtifactPath(sum.StartedAt)
	}
	log := zap.L().With(
		zap.String("component", "verify.floors"),
		zap.String("run_id", sum.RunID),
		zap.String("org", opts.Org),
		zap.Bool("dry_run", opts.DryRun),
	)

	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		ok, err := tx.OrganizationExists(ctx, opts.Org)
		if err != nil {
			return eris.Wrap(err, "verify: check organization")
		}
		if !ok {
			return eris.Errorf("verify: unknown organization %q", opts.Org)
		}

		rows, err := tx.ListValuesBySourceRef(ctx, opts.Org, nutrient.RefTraceFloorImputation)
		if err != nil {
			return eris.Wrap(err, "verify: list floor-imputed rows")
		}
		sum.FloorRows = len(rows)
		if len(rows) == 0 {
			log.Info("no floor-imputed rows")
			return store.ErrRollback
		}

		if err := writeArtifact(sum.ArtifactPath, floorArtifact{
			GeneratedAt: time.Now().UTC(),
			Org:         opts.Org,
			Rows:        rows,
		}); err != nil {
			return err
		}
		log.Info("artifact written",
			zap.String("path", sum.ArtifactPath),
			zap.Int("rows", len(rows)),
		)

		for _, row := range rows {
			cleared := row
			cleared.ValuePer100g = nil
			cleared.SourceType = nutrient.SourceDerived
			cleared.SourceRef = nutrient.RefPendingRebuild
			cleared.EvidenceGrade = nutrient.GradeHistoricalExc
			cleared.Confidence = 0
			cleared.HistoricalException = true
			cleared.VerificationStatus = nutrient.StatusNeedsReview
			if err := tx.UpsertNutrientValue(ctx, &cleared); err != nil {
				return eris.Wrapf(err, "verify: clear %s for product %s", row.Key, row.ProductID)
			}
			sum.UpdatedRows++
		}

		sum.FinishedAt = time.Now().UTC()
		if opts.DryRun {
			return store.ErrRollback
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "verify: marshal summary")
		}
		if err := tx.RecordRun(ctx, &model.RunRecord{
			ID:         sum.RunID,
			Kind:       model.RunVerify,
			OrgSlug:    opts.Org,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Summary:    raw,
		}); err != nil {
			return eris.Wrap(err, "verify: record run")
		}
		return nil
	})

	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	if err != nil {
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "clean-floors", Reason: err.Error()})
		log.Error("floor cleanup failed", zap.Error(err))
		return sum, err
	}
	log.Info("floor cleanup complete",
		zap.Int("rows", sum.FloorRows),
		zap.Int("updated", sum.UpdatedRows),
	)
	return sum, nil
}

func defaultArtifactPath(now time.Time) string {
	return filepath.Join("artifacts", fmt.Sprintf("floor_cleanup_%s.json", now.Format("20060102T150405Z")))
}

func writeArtifact(path string, artifact floorArtifact) error {
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return eris.Wrap(err, "verify: marshal artifact")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "verify: create artifact dir %s", dir)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return eris.Wrapf(err, "verify: write artifact %s", path)
	}
	return nil
}

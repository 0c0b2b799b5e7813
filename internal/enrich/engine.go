// Package enrich runs the nutrient enrichment batch: it resolves a profile
// for every product in scope, upserts the winning values, and opens
// source-retrieval tasks for products whose core keys no source could
// settle. The whole batch runs inside one transaction; a dry run exercises
// the full write path and rolls back.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/resilience"
	"github.com/zemo2003/nutrition-autopilot/internal/resolver"
	"github.com/zemo2003/nutrition-autopilot/internal/source"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
	"github.com/zemo2003/nutrition-autopilot/pkg/openfoodfacts"
)

// valueEpsilon is the tolerance below which a resolved value counts as
// unchanged and the stored row keeps its version.
const valueEpsilon = 1e-9

// Options scope one enrichment run.
type Options struct {
	Org         string
	ProductIDs  []string
	Ingredients []string
	Limit       int
	DryRun      bool
	Backfill    bool
	Prefetch    int
}

// GroupOutcome summarizes one ingredient group: how many keys the source
// passes settled before any fallback ran.
type GroupOutcome struct {
	IngredientKey  string `json:"ingredientKey"`
	IngredientName string `json:"ingredientName"`
	Products       int    `json:"products"`
	ResolvedKeys   int    `json:"resolvedKeys"`
	CoreResolved   bool   `json:"coreResolved"`
	Note           string `json:"note,omitempty"`
}

// Summary is the machine-readable outcome of one enrichment run.
type Summary struct {
	RunID               string            `json:"runId"`
	Kind                model.RunKind     `json:"kind"`
	Org                 string            `json:"organizationSlug"`
	DryRun              bool              `json:"dryRun"`
	Backfill            bool              `json:"backfill,omitempty"`
	StartedAt           time.Time         `json:"startedAt"`
	FinishedAt          time.Time         `json:"finishedAt"`
	GroupsProcessed     int               `json:"groupsProcessed"`
	ProductsProcessed   int               `json:"productsProcessed"`
	Upserts             int               `json:"upserts"`
	SkippedUnchanged    int               `json:"skippedUnchanged"`
	ProvisionalValues   int               `json:"provisionalValues"`
	DonorFills          int               `json:"donorFills"`
	GlobalFills         int               `json:"globalFills"`
	TasksOpened         int               `json:"tasksOpened"`
	ProductsMissingCore int               `json:"productsWithMissingCoreAfter"`
	Groups              []GroupOutcome    `json:"groupOutcomes,omitempty"`
	Errors              []model.ItemError `json:"errors,omitempty"`
}

// Engine runs enrichment batches against one store.
type Engine struct {
	store  store.Store
	policy *policy.Policy
	off    openfoodfacts.Client
	fdc    fdc.Client
}

// New builds an engine. The remote clients may be nil only in tests that
// stub the providers further down.
func New(st store.Store, pol *policy.Policy, off openfoodfacts.Client, fdcClient fdc.Client) *Engine {
	return &Engine{store: st, policy: pol, off: off, fdc: fdcClient}
}

// Run resolves and writes the whole scope inside one transaction. The
// returned summary is non-nil even when the run fails partway.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      model.RunEnrich,
		Org:       opts.Org,
		DryRun:    opts.DryRun,
		Backfill:  opts.Backfill,
		StartedAt: time.Now().UTC(),
	}
	log := zap.L().With(
		zap.String("component", "enrich.engine"),
		zap.String("run_id", sum.RunID),
		zap.String("org", opts.Org),
		zap.Bool("dry_run", opts.DryRun),
	)

	// The gate, remote providers and their run caches live outside the
	// transaction so the prefetch pass can warm them through the pool.
	gate := resilience.NewUpstreamGate()
	manu := source.NewManufacturerProvider(e.store, e.off, gate, e.policy.Manufacturer)
	branded, generic := source.NewUSDAProviders(e.fdc, gate, e.policy.USDA)

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		ok, err := tx.OrganizationExists(ctx, opts.Org)
		if err != nil {
			return eris.Wrap(err, "enrich: check organization")
		}
		if !ok {
			return eris.Errorf("enrich: unknown organization %q", opts.Org)
		}

		products, err := tx.ListProducts(ctx, opts.Org, store.ProductFilter{
			IDs:            opts.ProductIDs,
			IngredientKeys: opts.Ingredients,
			Limit:          opts.Limit,
		})
		if err != nil {
			return eris.Wrap(err, "enrich: list products")
		}
		sum.ProductsProcessed = len(products)
		if len(products) == 0 {
			log.Info("no products in scope")
			return store.ErrRollback
		}
		log.Info("resolving products", zap.Int("count", len(products)))

		if opts.Prefetch > 0 {
			prefetch(ctx, manu, products, opts.Prefetch, log)
		}

		providers := []source.Provider{
			source.NewExistingProvider(tx, e.policy.Baselines),
			manu.Rebind(tx),
			branded,
			generic,
		}
		res := resolver.New(providers, e.policy).
			WithStore(tx, opts.Org).
			WithBackfill(opts.Backfill)

		ids := make([]string, len(products))
		for i, p := range products {
			ids[i] = p.ID
		}
		existing, err := tx.ListNutrientValuesBatch(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "enrich: load existing values")
		}
		openTasks, err := tx.ListOpenTasks(ctx, opts.Org, model.TaskSourceRetrieval)
		if err != nil {
			return eris.Wrap(err, "enrich: list open tasks")
		}
		hasOpenTask := make(map[string]bool, len(openTasks))
		for _, task := range openTasks {
			hasOpenTask[task.ProductID] = true
		}

		profiles := make([]*resolver.Profile, 0, len(products))
		profileByID := make(map[string]*resolver.Profile, len(products))
		for _, g := range groupByIngredient(products) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			sum.GroupsProcessed++
			groupProfiles := make([]*resolver.Profile, 0, len(g.products))
			for _, p := range g.products {
				prof, err := res.Resolve(ctx, p.Identity())
				if err != nil {
					return err
				}
				groupProfiles = append(groupProfiles, prof)
			}

			resolved := sourceResolvedKeys(groupProfiles)
			sum.DonorFills += res.FillFromDonors(groupProfiles)

			outcome := GroupOutcome{
				IngredientKey:  g.key,
				IngredientName: g.name,
				Products:       len(g.products),
				ResolvedKeys:   len(resolved),
				CoreResolved:   coreCovered(resolved),
			}
			if len(resolved) == 0 {
				outcome.Note = "no_source_match"
			}
			sum.Groups = append(sum.Groups, outcome)

			profiles = append(profiles, groupProfiles...)
			for _, prof := range groupProfiles {
				profileByID[prof.ProductID] = prof
			}
		}

		medians := resolver.BatchMedians(profiles)
		for _, p := range products {
			prof := profileByID[p.ID]

			filled, err := res.FillFromGlobal(ctx, prof, medians)
			if err != nil {
				return err
			}
			sum.GlobalFills += filled

			upserts, skipped, provisional, err := writeProfile(ctx, tx, prof, existing[p.ID])
			if err != nil {
				return err
			}
			sum.Upserts += upserts
			sum.SkippedUnchanged += skipped
			sum.ProvisionalValues += provisional

			missing := prof.MissingCore()
			if len(missing) == 0 {
				continue
			}
			sum.ProductsMissingCore++
			if hasOpenTask[p.ID] {
				continue
			}
			task := &model.VerificationTask{
				ID:        uuid.NewString(),
				OrgID:     opts.Org,
				ProductID: p.ID,
				Key:       missing[0],
				Kind:      model.TaskSourceRetrieval,
				Status:    model.TaskOpen,
				Note:      fmt.Sprintf("source retrieval needed for %s: missing %s", p.Name, joinKeys(missing)),
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreateVerificationTask(ctx, task); err != nil {
				return eris.Wrapf(err, "enrich: open task for product %s", p.ID)
			}
			hasOpenTask[p.ID] = true
			sum.TasksOpened++
		}

		sum.FinishedAt = time.Now().UTC()
		if opts.DryRun {
			return store.ErrRollback
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "enrich: marshal summary")
		}
		if err := tx.RecordRun(ctx, &model.RunRecord{
			ID:         sum.RunID,
			Kind:       model.RunEnrich,
			OrgSlug:    opts.Org,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
			Summary:    raw,
		}); err != nil {
			return eris.Wrap(err, "enrich: record run")
		}
		return nil
	})

	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now().UTC()
	}
	if err != nil {
		sum.Errors = append(sum.Errors, model.ItemError{Stage: "enrich", Reason: err.Error()})
		log.Error("enrichment run failed", zap.Error(err))
		return sum, err
	}
	log.Info("enrichment run complete",
		zap.Int("groups", sum.GroupsProcessed),
		zap.Int("products", sum.ProductsProcessed),
		zap.Int("upserts", sum.Upserts),
		zap.Int("donor_fills", sum.DonorFills),
		zap.Int("global_fills", sum.GlobalFills),
		zap.Int("tasks_opened", sum.TasksOpened),
	)
	return sum, nil
}

// writeProfile upserts every winning value that differs from the stored one
// by more than valueEpsilon. Rows written by fallback or inference count as
// provisional.
func writeProfile(ctx context.Context, tx store.Store, prof *resolver.Profile, existing []model.NutrientValue) (upserts, skipped, provisional int, err error) {
	prior := make(map[nutrient.Key]*float64, len(existing))
	for i := range existing {
		prior[existing[i].Key] = existing[i].ValuePer100g
	}
	for _, key := range nutrient.AllKeys() {
		win, ok := prof.Winner(key)
		if !ok {
			continue
		}
		if old, seen := prior[key]; seen && old != nil && math.Abs(*old-win.Value) < valueEpsilon {
			skipped++
			continue
		}
		value := win.Value
		row := &model.NutrientValue{
			ProductID:           prof.ProductID,
			Key:                 key,
			ValuePer100g:        &value,
			Unit:                key.Unit(),
			SourceType:          win.SourceType,
			SourceRef:           win.SourceRef,
			EvidenceGrade:       win.Grade,
			Confidence:          win.Confidence,
			VerificationStatus:  nutrient.StatusNeedsReview,
			HistoricalException: win.HistoricalException,
		}
		if err := tx.UpsertNutrientValue(ctx, row); err != nil {
			return upserts, skipped, provisional, eris.Wrapf(err, "enrich: upsert %s for product %s", key, prof.ProductID)
		}
		upserts++
		if win.Grade.Inferred() || win.HistoricalException {
			provisional++
		}
	}
	return upserts, skipped, provisional, nil
}

// prefetch warms the manufacturer run cache through the pool-bound provider
// so the sequential resolve pass starts hot. Lookup failures surface later
// in the resolve pass; the warm pass only logs them.
func prefetch(ctx context.Context, manu *source.ManufacturerProvider, products []model.Product, limit int, log *zap.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range products {
		id := p.Identity()
		g.Go(func() error {
			if _, err := manu.Fetch(gctx, id); err != nil {
				log.Debug("prefetch lookup failed",
					zap.String("product_id", id.ProductID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debug("manufacturer prefetch complete", zap.Int("products", len(products)))
}

type productGroup struct {
	key      string
	name     string
	products []model.Product
}

// groupByIngredient buckets products by ingredient key, preserving store
// order so run outputs are stable.
func groupByIngredient(products []model.Product) []productGroup {
	index := make(map[string]int)
	var groups []productGroup
	for _, p := range products {
		i, ok := index[p.IngredientKey]
		if !ok {
			i = len(groups)
			index[p.IngredientKey] = i
			groups = append(groups, productGroup{key: p.IngredientKey, name: p.IngredientName})
		}
		groups[i].products = append(groups[i].products, p)
	}
	return groups
}

// sourceResolvedKeys is the union of keys any group member resolved before
// the fallback passes ran.
func sourceResolvedKeys(profiles []*resolver.Profile) map[nutrient.Key]struct{} {
	keys := make(map[nutrient.Key]struct{})
	for _, prof := range profiles {
		for k, res := range prof.Resolutions {
			if res.Winner != nil {
				keys[k] = struct{}{}
			}
		}
	}
	return keys
}

func coreCovered(keys map[nutrient.Key]struct{}) bool {
	for _, k := range nutrient.CoreKeys() {
		if _, ok := keys[k]; !ok {
			return false
		}
	}
	return true
}

func joinKeys(keys []nutrient.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/resilience"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
)

// Scoring weights for ranking FDC search hits.
const (
	tokenOverlapWeight  = 1.2
	exactUPCBonus       = 10.0
	brandedTypeBonus    = 2.0
	genericTypeBonus    = 1.2
	brandInQueryBonus   = 1.0
	genericHighScoreMin = 3.5
)

// usdaCore is the shared FDC access layer: one search cache and one detail
// cache serve both the branded and generic providers, matching how repeated
// ingredient groups hit the same records.
type usdaCore struct {
	client      fdc.Client
	gate        *resilience.UpstreamGate
	searchCache *Cache[[]fdc.Food]
	foodCache   *Cache[*fdc.FoodDetail]
}

// NewUSDAProviders creates the branded and generic stage providers over one
// shared cache and gate.
func NewUSDAProviders(client fdc.Client, gate *resilience.UpstreamGate, band policy.USDABand) (*USDABrandedProvider, *USDAGenericProvider) {
	core := &usdaCore{
		client:      client,
		gate:        gate,
		searchCache: NewCache[[]fdc.Food](0),
		foodCache:   NewCache[*fdc.FoodDetail](0),
	}
	return &USDABrandedProvider{core: core, band: band},
		&USDAGenericProvider{core: core, band: band}
}

// USDABrandedProvider searches FDC branded records by UPC, falling back to
// a brand-weighted text search. Products without a UPC are a miss; the
// generic stage covers them.
type USDABrandedProvider struct {
	core *usdaCore
	band policy.USDABand
}

func (p *USDABrandedProvider) Name() string { return "usda-branded" }

func (p *USDABrandedProvider) Stage() Stage { return StageUSDABranded }

func (p *USDABrandedProvider) Fetch(ctx context.Context, id model.Identity) ([]Candidate, error) {
	if id.SyntheticUPC() {
		return nil, nil
	}
	upc := NormalizeUPC(id.UPC)
	if upc == "" {
		return nil, nil
	}

	values, food, _, err := p.core.profile(ctx, SearchQuery(id), upc, true)
	if err != nil {
		// Remote failures never abort a product; retries are exhausted.
		zap.L().Warn("usda branded lookup degraded to a miss",
			zap.String("upc", upc),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	conf := p.band.Branded
	if NormalizeUPC(food.GTINUPC) == upc {
		conf = p.band.BrandedUPC
	}
	return makeCandidates(values, nutrient.SourceUSDA, fdcRef(food.FDCID), nutrient.GradeUSDABranded, conf), nil
}

// USDAGenericProvider searches FDC reference records by ingredient name.
// It is the last lookup stage, so it casts the widest data-type net.
type USDAGenericProvider struct {
	core *usdaCore
	band policy.USDABand
}

func (p *USDAGenericProvider) Name() string { return "usda-generic" }

func (p *USDAGenericProvider) Stage() Stage { return StageUSDAGeneric }

func (p *USDAGenericProvider) Fetch(ctx context.Context, id model.Identity) ([]Candidate, error) {
	query := strings.TrimSpace(id.IngredientName)
	if query == "" {
		query = strings.TrimSpace(id.Name)
	}
	if query == "" {
		return nil, nil
	}

	values, food, score, err := p.core.profile(ctx, query, "", false)
	if err != nil {
		zap.L().Warn("usda generic lookup degraded to a miss",
			zap.String("query", query),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	conf := p.band.Generic
	if score >= genericHighScoreMin {
		conf = p.band.GenericHigh
	}
	return makeCandidates(values, nutrient.SourceUSDA, fdcRef(food.FDCID), nutrient.GradeUSDAGeneric, conf), nil
}

func fdcRef(fdcID int64) string {
	return fmt.Sprintf("https://fdc.nal.usda.gov/fdc-app.html#/food-details/%d/nutrients", fdcID)
}

// profile picks the best search hit and maps its detail record. A gated
// upstream, empty search, or missing detail is a miss.
func (c *usdaCore) profile(ctx context.Context, query, upc string, preferBranded bool) (map[nutrient.Key]float64, *fdc.Food, float64, error) {
	food, score, err := c.pick(ctx, query, upc, preferBranded)
	if err != nil || food == nil {
		return nil, nil, 0, err
	}
	detail, err := c.food(ctx, food.FDCID)
	if err != nil || detail == nil {
		return nil, nil, 0, err
	}
	return mapFoodNutrients(detail.FoodNutrients), food, score, nil
}

// pick ranks search hits. With a UPC it first searches branded records by
// barcode, preferring an exact gtinUpc match over the first hit; only when
// that search is empty does it fall through to the scored text search.
func (c *usdaCore) pick(ctx context.Context, query, upc string, preferBranded bool) (*fdc.Food, float64, error) {
	if upc != "" {
		foods, err := c.search(ctx, "upc:"+upc, fdc.SearchRequest{
			Query:           upc,
			DataTypes:       []string{"Branded"},
			PageSize:        10,
			RequireAllWords: true,
		})
		if err != nil {
			return nil, 0, err
		}
		for i := range foods {
			if NormalizeUPC(foods[i].GTINUPC) == upc {
				return &foods[i], exactUPCBonus, nil
			}
		}
		if len(foods) > 0 {
			return &foods[0], 0, nil
		}
	}

	req := fdc.SearchRequest{Query: query, PageSize: 12, RequireAllWords: false}
	if preferBranded {
		req.DataTypes = []string{"Branded", "Foundation", "SR Legacy"}
	} else {
		req.DataTypes = []string{"Foundation", "SR Legacy", "Survey (FNDDS)", "Branded"}
	}
	cacheKey := fmt.Sprintf("query:%s|%s", query, strings.Join(req.DataTypes, ","))
	foods, err := c.search(ctx, cacheKey, req)
	if err != nil || len(foods) == 0 {
		return nil, 0, err
	}

	queryNorm := NormalizeText(query)
	queryTokens := Tokens(query)
	best, bestScore := 0, -1.0
	for i := range foods {
		if s := scoreFood(foods[i], queryTokens, queryNorm, upc, preferBranded); s > bestScore {
			best, bestScore = i, s
		}
	}
	return &foods[best], bestScore, nil
}

// scoreFood ranks one search hit against the query. Token overlap dominates
// among text matches; an exact UPC towers over everything.
func scoreFood(food fdc.Food, queryTokens map[string]struct{}, queryNorm, upc string, preferBranded bool) float64 {
	points := 0.0
	if desc := NormalizeText(food.Description); desc != "" {
		descTokens := Tokens(desc)
		overlap := 0
		for tok := range queryTokens {
			if _, ok := descTokens[tok]; ok {
				overlap++
			}
		}
		points += float64(overlap) * tokenOverlapWeight
	}
	if upc != "" && NormalizeUPC(food.GTINUPC) == upc {
		points += exactUPCBonus
	}
	if preferBranded && food.DataType == "Branded" {
		points += brandedTypeBonus
	}
	if !preferBranded && (food.DataType == "Foundation" || food.DataType == "SR Legacy") {
		points += genericTypeBonus
	}
	brand := food.BrandOwner
	if brand == "" {
		brand = food.BrandName
	}
	if b := NormalizeText(brand); b != "" && strings.Contains(queryNorm, b) {
		points += brandInQueryBonus
	}
	return points
}

func (c *usdaCore) search(ctx context.Context, cacheKey string, req fdc.SearchRequest) ([]fdc.Food, error) {
	if !c.gate.Allow(UpstreamFDC) {
		return nil, nil
	}
	return c.searchCache.Do(cacheKey, func() ([]fdc.Food, error) {
		cfg := resilience.DefaultRetryConfig()
		cfg.ShouldRetry = retryRemote
		cfg.OnRetry = resilience.RetryLogger(UpstreamFDC, "search")

		foods, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]fdc.Food, error) {
			return c.client.Search(ctx, req)
		})
		if err != nil {
			if rateLimited(err) {
				c.gate.Trip(UpstreamFDC, err.Error())
				zap.L().Warn("upstream rate limited, gated for the rest of the run",
					zap.String("upstream", UpstreamFDC))
			}
			return nil, eris.Wrapf(err, "source: fdc search %q", req.Query)
		}
		return foods, nil
	})
}

func (c *usdaCore) food(ctx context.Context, fdcID int64) (*fdc.FoodDetail, error) {
	if !c.gate.Allow(UpstreamFDC) {
		return nil, nil
	}
	return c.foodCache.Do(strconv.FormatInt(fdcID, 10), func() (*fdc.FoodDetail, error) {
		cfg := resilience.DefaultRetryConfig()
		cfg.ShouldRetry = retryRemote
		cfg.OnRetry = resilience.RetryLogger(UpstreamFDC, "food")

		detail, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*fdc.FoodDetail, error) {
			return c.client.Food(ctx, fdcID)
		})
		if err != nil {
			if rateLimited(err) {
				c.gate.Trip(UpstreamFDC, err.Error())
				zap.L().Warn("upstream rate limited, gated for the rest of the run",
					zap.String("upstream", UpstreamFDC))
			}
			return nil, eris.Wrapf(err, "source: fdc food %d", fdcID)
		}
		return detail, nil
	})
}

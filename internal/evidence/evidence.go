// Package evidence rolls per-value provenance rows into audit summaries.
package evidence

import (
	"sort"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/nutrient"
)

// Reason codes attached to a summary when its rows are less than fully
// verified. They surface on frozen labels so a reviewer can tell at a glance
// why a label is provisional.
const (
	ReasonUnverifiedSource    = "UNVERIFIED_SOURCE"
	ReasonSyntheticLotUsage   = "SYNTHETIC_LOT_USAGE"
	ReasonHistoricalException = "HISTORICAL_EXCEPTION"
)

// Summary is the rollup of every evidence row behind a computed label at one
// granularity (lot, product, ingredient, or SKU). SourceRefs and ReasonCodes
// are deduplicated and sorted so summaries compare stably across runs.
type Summary struct {
	VerifiedCount   int                            `json:"verifiedCount"`
	InferredCount   int                            `json:"inferredCount"`
	ExceptionCount  int                            `json:"exceptionCount"`
	UnverifiedCount int                            `json:"unverifiedCount"`
	TotalRows       int                            `json:"totalRows"`
	SourceRefs      []string                       `json:"sourceRefs,omitempty"`
	GradeBreakdown  map[nutrient.EvidenceGrade]int `json:"gradeBreakdown,omitempty"`
	ReasonCodes     []string                       `json:"reasonCodes,omitempty"`
	Provisional     bool                           `json:"provisional"`
}

// Aggregate rolls rows into a Summary. A row is inferred when its grade was
// never observed for the product directly, an exception when it carries the
// historical-exception marker, and unverified whenever its status is not
// VERIFIED. Rows from synthetic lots taint the whole summary with the
// synthetic and exception reason codes regardless of their own grade.
//
// SKU-level callers must pass every contributing row transitively, not the
// child summaries, so a row shared by two lots is counted once per
// consumption rather than re-weighted through intermediate rollups.
func Aggregate(rows []model.EvidenceRow) Summary {
	return aggregate(rows, false)
}

// FromLots flattens the evidence rows of every consumed lot and aggregates
// them. The synthetic flag of a lot is stamped onto each of its rows, and a
// synthetic lot taints the summary even when it carries no rows at all.
func FromLots(lots []model.ConsumedLot) Summary {
	var rows []model.EvidenceRow
	synthetic := false
	for _, lot := range lots {
		if lot.Synthetic {
			synthetic = true
		}
		for _, r := range lot.Evidence {
			r.SyntheticLot = r.SyntheticLot || lot.Synthetic
			rows = append(rows, r)
		}
	}
	return aggregate(rows, synthetic)
}

func aggregate(rows []model.EvidenceRow, synthetic bool) Summary {
	s := Summary{
		GradeBreakdown: make(map[nutrient.EvidenceGrade]int),
	}
	refs := make(map[string]struct{})
	reasons := make(map[string]struct{})

	for _, r := range rows {
		s.TotalRows++
		if r.Grade != "" {
			s.GradeBreakdown[r.Grade]++
		}
		if r.SourceRef != "" {
			refs[r.SourceRef] = struct{}{}
		}

		if r.Status == nutrient.StatusVerified {
			s.VerifiedCount++
		} else {
			s.UnverifiedCount++
			reasons[ReasonUnverifiedSource] = struct{}{}
		}
		if r.Grade.Inferred() {
			s.InferredCount++
		}
		if r.HistoricalException || r.Grade == nutrient.GradeHistoricalExc {
			s.ExceptionCount++
			reasons[ReasonHistoricalException] = struct{}{}
		}
		if r.SyntheticLot {
			synthetic = true
		}
	}

	if synthetic {
		reasons[ReasonSyntheticLotUsage] = struct{}{}
		reasons[ReasonHistoricalException] = struct{}{}
	}

	s.SourceRefs = sortedKeys(refs)
	s.ReasonCodes = sortedKeys(reasons)
	s.Provisional = s.UnverifiedCount > 0 || s.InferredCount > 0 || s.ExceptionCount > 0 || synthetic
	if len(s.GradeBreakdown) == 0 {
		s.GradeBreakdown = nil
	}
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

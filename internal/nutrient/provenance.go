package nutrient

// SourceType classifies where a resolved value came from.
type SourceType string

const (
	SourceManual       SourceType = "MANUAL"
	SourceManufacturer SourceType = "MANUFACTURER"
	SourceUSDA         SourceType = "USDA"
	SourceDerived      SourceType = "DERIVED"
)

// Valid reports whether s is one of the closed source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceManual, SourceManufacturer, SourceUSDA, SourceDerived:
		return true
	}
	return false
}

// EvidenceGrade ranks how a value was obtained. Grades are ordered only
// informally; precedence between sources is carried by confidence, not grade.
type EvidenceGrade string

const (
	GradeVerifiedManual  EvidenceGrade = "VERIFIED_MANUAL"
	GradeOpenFoodFacts   EvidenceGrade = "OPENFOODFACTS"
	GradeUSDABranded     EvidenceGrade = "USDA_BRANDED"
	GradeUSDAGeneric     EvidenceGrade = "USDA_GENERIC"
	GradeInferredIngred  EvidenceGrade = "INFERRED_FROM_INGREDIENT"
	GradeInferredSimilar EvidenceGrade = "INFERRED_FROM_SIMILAR_PRODUCT"
	GradeHistoricalExc   EvidenceGrade = "HISTORICAL_EXCEPTION"
)

// Valid reports whether g is one of the closed evidence grades.
func (g EvidenceGrade) Valid() bool {
	switch g {
	case GradeVerifiedManual, GradeOpenFoodFacts, GradeUSDABranded,
		GradeUSDAGeneric, GradeInferredIngred, GradeInferredSimilar,
		GradeHistoricalExc:
		return true
	}
	return false
}

// Inferred reports whether the grade marks a value that was never observed
// for this product directly.
func (g EvidenceGrade) Inferred() bool {
	return g == GradeInferredIngred || g == GradeInferredSimilar
}

// VerificationStatus is the human-review state of a stored value.
type VerificationStatus string

const (
	StatusVerified    VerificationStatus = "VERIFIED"
	StatusUnverified  VerificationStatus = "UNVERIFIED"
	StatusNeedsReview VerificationStatus = "NEEDS_REVIEW"
)

// Valid reports whether v is one of the closed verification statuses.
func (v VerificationStatus) Valid() bool {
	switch v {
	case StatusVerified, StatusUnverified, StatusNeedsReview:
		return true
	}
	return false
}

// Source-ref markers for rows written by cleanup tooling rather than a real
// source. Rows carrying these are placeholders and never count as resolved.
const (
	RefTraceFloorImputation = "agent:trace-floor-imputation"
	RefPendingRebuild       = "historical-cleanup:pending-rebuild"
)

// PlaceholderRef reports whether ref marks a low-quality placeholder row.
func PlaceholderRef(ref string) bool {
	return ref == RefTraceFloorImputation || ref == RefPendingRebuild
}

// MajorAllergens is the closed 9-item tag set used for allergen statements.
// Tags use underscores; display text swaps them for spaces.
var MajorAllergens = []string{
	"milk", "egg", "fish", "shellfish", "tree_nuts",
	"peanuts", "wheat", "soy", "sesame",
}

// MajorAllergen reports whether tag is one of the 9 declared allergens.
func MajorAllergen(tag string) bool {
	for _, a := range MajorAllergens {
		if a == tag {
			return true
		}
	}
	return false
}

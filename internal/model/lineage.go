package model

import (
	"encoding/json"
	"time"
)

// LabelType is the granularity of a lineage snapshot.
type LabelType string

const (
	LabelSKU        LabelType = "SKU"
	LabelIngredient LabelType = "INGREDIENT"
	LabelProduct    LabelType = "PRODUCT"
	LabelLot        LabelType = "LOT"
)

// EdgeType is the relation an edge asserts between two snapshots. Edges
// always point from the coarser snapshot to the finer one.
type EdgeType string

const (
	EdgeSKUContainsIngredient     EdgeType = "SKU_CONTAINS_INGREDIENT"
	EdgeIngredientResolvedProduct EdgeType = "INGREDIENT_RESOLVED_TO_PRODUCT"
	EdgeProductConsumedFromLot    EdgeType = "PRODUCT_CONSUMED_FROM_LOT"
)

// LabelSnapshot is an immutable, versioned record of a computed label or
// evidence rollup. Snapshots are never updated or deleted, only superseded
// by a higher version for the same (organization, type, external ref).
type LabelSnapshot struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	LabelType      LabelType       `json:"label_type"`
	ExternalRefID  string          `json:"external_ref_id"`
	Title          string          `json:"title"`
	Payload        json.RawMessage `json:"payload"`
	Version        int             `json:"version"`
	FrozenAt       time.Time       `json:"frozen_at"`
}

// LabelLineageEdge is an immutable directed edge of the provenance DAG.
type LabelLineageEdge struct {
	ParentLabelID string   `json:"parent_label_id"`
	ChildLabelID  string   `json:"child_label_id"`
	EdgeType      EdgeType `json:"edge_type"`
}

// Package report mirrors recorded batch runs into a shared Notion database
// so the food program team can follow pipeline activity without database
// access.
package report

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
	"github.com/zemo2003/nutrition-autopilot/pkg/notion"
)

// summaryTextLimit caps the raw-summary excerpt; Notion rejects rich_text
// fragments over 2000 characters.
const summaryTextLimit = 1990

// Publisher posts the latest recorded run of a kind to Notion, one page
// per run. Re-publishing the same run updates its existing page instead
// of creating a duplicate.
type Publisher struct {
	store  store.Store
	client notion.Client
	dbID   string
	log    *zap.Logger
}

// NewPublisher creates a Publisher targeting the given Notion database.
func NewPublisher(st store.Store, client notion.Client, dbID string) *Publisher {
	return &Publisher{
		store:  st,
		client: client,
		dbID:   dbID,
		log:    zap.L().With(zap.String("component", "report.notion")),
	}
}

// Result reports which page Publish wrote.
type Result struct {
	RunID   string        `json:"runId"`
	Kind    model.RunKind `json:"kind"`
	PageID  string        `json:"pageId"`
	Created bool          `json:"created"`
}

// Publish loads the most recent run of the given kind and mirrors it to
// Notion as a page keyed by run ID.
func (p *Publisher) Publish(ctx context.Context, kind model.RunKind) (*Result, error) {
	run, err := p.store.LatestRun(ctx, kind)
	if err != nil {
		return nil, eris.Wrap(err, "report: load latest run")
	}
	if run == nil {
		return nil, eris.Errorf("report: no %s runs recorded", kind)
	}

	props, err := runProperties(run)
	if err != nil {
		return nil, err
	}

	pageID, err := p.findRunPage(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	if pageID != "" {
		if _, err := p.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return nil, eris.Wrap(err, "report: update run page")
		}
		p.log.Info("updated notion run page",
			zap.String("run_id", run.ID),
			zap.String("page_id", pageID),
		)
		return &Result{RunID: run.ID, Kind: run.Kind, PageID: pageID}, nil
	}

	page, err := p.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(p.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return nil, eris.Wrap(err, "report: create run page")
	}
	p.log.Info("created notion run page",
		zap.String("run_id", run.ID),
		zap.String("page_id", string(page.ID)),
	)
	return &Result{RunID: run.ID, Kind: run.Kind, PageID: string(page.ID), Created: true}, nil
}

// findRunPage scans the report database for a page titled with the run ID.
// Report databases stay small (one page per run), so a paged scan beats
// coupling to a per-schema Notion filter.
func (p *Publisher) findRunPage(ctx context.Context, runID string) (string, error) {
	pages, err := notion.QueryAll(ctx, p.client, p.dbID, &notionapi.DatabaseQueryRequest{PageSize: 100})
	if err != nil {
		return "", eris.Wrap(err, "report: scan run pages")
	}
	for _, page := range pages {
		prop, ok := page.Properties["Run ID"]
		if !ok {
			continue
		}
		tp, ok := prop.(*notionapi.TitleProperty)
		if !ok {
			continue
		}
		if plainText(tp.Title) == runID {
			return string(page.ID), nil
		}
	}
	return "", nil
}

// runProperties flattens a run record into the report database's columns.
// Engines emit different counter names, so the Items and Updated columns
// probe the candidate keys for every run kind.
func runProperties(run *model.RunRecord) (notionapi.Properties, error) {
	var sum map[string]any
	if len(run.Summary) > 0 {
		if err := json.Unmarshal(run.Summary, &sum); err != nil {
			return nil, eris.Wrap(err, "report: decode run summary")
		}
	}

	props := notionapi.Properties{
		"Run ID": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: run.ID}},
			},
		},
		"Kind": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(run.Kind)},
		},
		"Dry Run": notionapi.CheckboxProperty{
			Type:     notionapi.PropertyTypeCheckbox,
			Checkbox: run.DryRun,
		},
		"Items": notionapi.NumberProperty{
			Number: firstNumber(sum, "productsProcessed", "eventCount", "targetProducts", "floorRows", "checked", "rowsRead"),
		},
		"Updated": notionapi.NumberProperty{
			Number: firstNumber(sum, "upserts", "refreshedEvents", "rowsVerified", "updatedRows", "updated", "upserted"),
		},
		"Provisional": notionapi.NumberProperty{
			Number: provisionalCount(sum),
		},
		"Errors": notionapi.NumberProperty{
			Number: float64(len(sliceField(sum, "errors"))),
		},
	}

	if run.OrgSlug != "" {
		props["Organization"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: run.OrgSlug}},
			},
		}
	}
	if !run.StartedAt.IsZero() {
		started := notionapi.Date(run.StartedAt)
		props["Started"] = notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &started},
		}
	}
	if !run.FinishedAt.IsZero() {
		finished := notionapi.Date(run.FinishedAt)
		props["Finished"] = notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &finished},
		}
	}
	if excerpt := summaryExcerpt(run.Summary); excerpt != "" {
		props["Summary"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: excerpt}},
			},
		}
	}

	return props, nil
}

// firstNumber returns the first of the named summary counters present.
func firstNumber(sum map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := sum[k].(float64); ok {
			return v
		}
	}
	return 0
}

// provisionalCount reads the provisional-value counter where an engine
// emits one, falling back to counting provisional per-event results.
func provisionalCount(sum map[string]any) float64 {
	if v, ok := sum["provisionalValues"].(float64); ok {
		return v
	}
	var n float64
	for _, item := range sliceField(sum, "events") {
		event, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if b, ok := event["provisional"].(bool); ok && b {
			n++
		}
	}
	return n
}

func sliceField(sum map[string]any, key string) []any {
	s, _ := sum[key].([]any)
	return s
}

// summaryExcerpt compacts the raw summary JSON for the page's Summary
// column, truncated to fit Notion's rich_text fragment limit.
func summaryExcerpt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	s := buf.String()
	if len(s) > summaryTextLimit {
		s = s[:summaryTextLimit-3] + "..."
	}
	return s
}

// plainText concatenates the plain_text values from a slice of RichText.
func plainText(rts []notionapi.RichText) string {
	var s string
	for _, rt := range rts {
		s += rt.PlainText
	}
	return s
}

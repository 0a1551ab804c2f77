package ingester

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"nugettrends/internal/catalog"
	"nugettrends/internal/models"

	"github.com/dustin/go-humanize"
)

// CatalogSource is the slice of the catalog client the processor uses.
type CatalogSource interface {
	GetCatalogIndexURL(ctx context.Context) (string, error)
	GetIndex(ctx context.Context, url string) (*catalog.CatalogIndex, error)
	GetPage(ctx context.Context, url string) (*catalog.CatalogPage, error)
	GetDetailsLeaf(ctx context.Context, url string) (*catalog.DetailsLeaf, error)
}

// CatalogStore is the metadata-store surface the processor writes to.
type CatalogStore interface {
	GetCursor(ctx context.Context) (*time.Time, error)
	SetCursor(ctx context.Context, value time.Time) error
	InsertLeafBatch(ctx context.Context, leaves []models.PackageLeaf) (int, error)
	DeletePackage(ctx context.Context, packageID string) error
}

// CatalogProcessorConfig bounds one processing run.
type CatalogProcessorConfig struct {
	// MinCommitTimestamp is the exclusive floor when no cursor exists yet.
	MinCommitTimestamp *time.Time
	// MaxCommitTimestamp is the inclusive ceiling; nil means unbounded.
	MaxCommitTimestamp *time.Time
	// ExcludeRedundantLeaves keeps only the latest leaf per (id, version)
	// within a page. The zero value keeps every leaf; the config layer
	// defaults the option to true.
	ExcludeRedundantLeaves bool
	// LeafConcurrency is the fan-out width for leaf fetches within a window.
	LeafConcurrency int
}

// CatalogProcessor walks the upstream catalog in commit order and mirrors
// its leaves into the metadata store, advancing the cursor one page at a
// time. A failed page never advances the cursor past the last fully applied
// window, so the next run resumes exactly where this one stopped.
type CatalogProcessor struct {
	client CatalogSource
	store  CatalogStore
	config CatalogProcessorConfig
}

func NewCatalogProcessor(client CatalogSource, store CatalogStore, cfg CatalogProcessorConfig) *CatalogProcessor {
	if cfg.LeafConcurrency == 0 {
		cfg.LeafConcurrency = 25
	}
	return &CatalogProcessor{client: client, store: store, config: cfg}
}

// Process runs one full catch-up cycle against the upstream catalog.
func (p *CatalogProcessor) Process(ctx context.Context) error {
	// 1. Window bounds: cursor (exclusive) clamped by config.
	cursor, err := p.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}
	var tmin time.Time
	if cursor != nil {
		tmin = *cursor
	}
	if p.config.MinCommitTimestamp != nil && p.config.MinCommitTimestamp.After(tmin) {
		tmin = *p.config.MinCommitTimestamp
	}
	tmax := p.config.MaxCommitTimestamp // nil = unbounded

	// 2. Page selection from the catalog index.
	indexURL, err := p.client.GetCatalogIndexURL(ctx)
	if err != nil {
		return err
	}
	index, err := p.client.GetIndex(ctx, indexURL)
	if err != nil {
		return err
	}

	pages := append([]catalog.PageSummary(nil), index.Items...)
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].CommitTimestamp.Before(pages[j].CommitTimestamp)
	})

	// The index only exposes each page's newest commit; the previous page's
	// bound serves as this page's (exclusive) oldest. A page intersects the
	// window when its newest commit is past tmin and its oldest is not past
	// tmax.
	var selected []catalog.PageSummary
	var prevMax time.Time
	for _, page := range pages {
		include := page.CommitTimestamp.After(tmin) && (tmax == nil || prevMax.Before(*tmax))
		if include {
			selected = append(selected, page)
		}
		prevMax = page.CommitTimestamp
	}
	if len(selected) == 0 {
		log.Printf("[catalog] up to date (cursor %s)", fmtCursor(cursor))
		return nil
	}
	log.Printf("[catalog] processing %d page(s) after %s", len(selected), tmin.Format(time.RFC3339))

	var totalLeaves, totalDeletes int
	start := time.Now()

	for _, pageRef := range selected {
		applied, deletes, err := p.processPage(ctx, pageRef, tmin, tmax)
		totalLeaves += applied
		totalDeletes += deletes
		if err != nil {
			return fmt.Errorf("page %s: %w", pageRef.URL, err)
		}

		// Page fully applied: the cursor moves to the page's upper bound
		// (clamped to tmax), which also covers pages with no leaves in range.
		pageCursor := pageRef.CommitTimestamp
		if tmax != nil && tmax.Before(pageCursor) {
			pageCursor = *tmax
		}
		if pageCursor.After(tmin) {
			if err := p.store.SetCursor(ctx, pageCursor); err != nil {
				return fmt.Errorf("failed to advance cursor to %s: %w", pageCursor.Format(time.RFC3339), err)
			}
			tmin = pageCursor
		}
	}

	log.Printf("[catalog] applied %s leaves (%d deletes) across %d pages in %s",
		humanize.Comma(int64(totalLeaves)), totalDeletes, len(selected), time.Since(start).Round(time.Millisecond))
	return nil
}

// processPage applies one page's leaves in commit order, window by window.
// On a mid-page failure the cursor is parked at the last fully applied
// commit before the error is returned.
func (p *CatalogProcessor) processPage(ctx context.Context, pageRef catalog.PageSummary, tmin time.Time, tmax *time.Time) (applied, deletes int, err error) {
	page, err := p.client.GetPage(ctx, pageRef.URL)
	if err != nil {
		return 0, 0, err
	}

	items := make([]catalog.LeafItem, 0, len(page.Items))
	for _, item := range page.Items {
		if !item.CommitTimestamp.After(tmin) {
			continue
		}
		if tmax != nil && item.CommitTimestamp.After(*tmax) {
			continue
		}
		items = append(items, item)
	}

	if p.config.ExcludeRedundantLeaves {
		items = latestPerIdentity(items)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CommitTimestamp.Before(items[j].CommitTimestamp)
	})

	// 3. Fixed-size windows of concurrent leaf fetches, applied in order.
	lastApplied := tmin
	for offset := 0; offset < len(items); offset += p.config.LeafConcurrency {
		end := offset + p.config.LeafConcurrency
		if end > len(items) {
			end = len(items)
		}
		window := items[offset:end]

		details, deleted, err := p.fetchWindow(ctx, window)
		if err != nil {
			return applied, deletes, p.parkCursor(ctx, lastApplied, tmin, err)
		}

		if len(details) > 0 {
			if _, err := p.store.InsertLeafBatch(ctx, details); err != nil {
				return applied, deletes, p.parkCursor(ctx, lastApplied, tmin, err)
			}
			applied += len(details)
		}
		for _, item := range deleted {
			if err := p.store.DeletePackage(ctx, item.PackageID); err != nil {
				return applied, deletes, p.parkCursor(ctx, lastApplied, tmin, err)
			}
			deletes++
		}

		lastApplied = window[len(window)-1].CommitTimestamp
	}

	return applied, deletes, nil
}

// parkCursor persists the last fully applied commit before surfacing err, so
// a failed page still keeps the progress made inside it.
func (p *CatalogProcessor) parkCursor(ctx context.Context, lastApplied, tmin time.Time, cause error) error {
	if lastApplied.After(tmin) {
		if err := p.store.SetCursor(ctx, lastApplied); err != nil {
			log.Printf("[catalog] failed to park cursor at %s: %v", lastApplied.Format(time.RFC3339), err)
		}
	}
	return cause
}

// fetchWindow resolves one window of leaf items: details leaves are fetched
// concurrently, deletes need no fetch (the page item carries the id). Any
// fetch failure aborts the whole window so no partial batch is applied.
func (p *CatalogProcessor) fetchWindow(ctx context.Context, window []catalog.LeafItem) ([]models.PackageLeaf, []catalog.LeafItem, error) {
	type slot struct {
		leaf *catalog.DetailsLeaf
		err  error
	}
	results := make([]slot, len(window))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.config.LeafConcurrency)
	for i, item := range window {
		if item.IsDelete() {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			leaf, err := p.client.GetDetailsLeaf(ctx, url)
			results[idx] = slot{leaf: leaf, err: err}
		}(i, item.URL)
	}
	wg.Wait()

	var details []models.PackageLeaf
	var deleted []catalog.LeafItem
	for i, item := range window {
		if item.IsDelete() {
			deleted = append(deleted, item)
			continue
		}
		if results[i].err != nil {
			return nil, nil, results[i].err
		}
		details = append(details, leafToModel(item, results[i].leaf))
	}
	return details, deleted, nil
}

// latestPerIdentity keeps only the newest leaf per (id, version) within a
// page; re-publishes of the same version inside one page are redundant.
func latestPerIdentity(items []catalog.LeafItem) []catalog.LeafItem {
	latest := make(map[models.LeafKey]catalog.LeafItem, len(items))
	for _, item := range items {
		key := models.LeafKey{
			PackageID:      strings.ToLower(item.PackageID),
			PackageVersion: item.PackageVersion,
		}
		if cur, ok := latest[key]; !ok || item.CommitTimestamp.After(cur.CommitTimestamp) {
			latest[key] = item
		}
	}
	out := make([]catalog.LeafItem, 0, len(latest))
	for _, item := range latest {
		out = append(out, item)
	}
	return out
}

// leafToModel folds a page item and its fetched document into a store row.
// The page item wins for identity and commit time; some leaf documents have
// drifted fields.
func leafToModel(item catalog.LeafItem, leaf *catalog.DetailsLeaf) models.PackageLeaf {
	id := leaf.PackageID
	if id == "" {
		id = item.PackageID
	}
	version := leaf.PackageVersion
	if version == "" {
		version = item.PackageVersion
	}
	return models.PackageLeaf{
		PackageID:        id,
		PackageIDLower:   strings.ToLower(id),
		PackageVersion:   version,
		CommitTimestamp:  item.CommitTimestamp,
		Published:        leaf.Published,
		Listed:           leaf.Listed,
		IconURL:          leaf.IconURL,
		ProjectURL:       leaf.ProjectURL,
		Description:      leaf.Description,
		Authors:          leaf.Authors,
		Tags:             leaf.Tags,
		TargetFrameworks: leaf.TargetFrameworks(),
	}
}

func fmtCursor(cursor *time.Time) string {
	if cursor == nil {
		return "unset"
	}
	return cursor.Format(time.RFC3339)
}

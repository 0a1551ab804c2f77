package ingester

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"nugettrends/internal/models"
	"nugettrends/internal/timeseries"
)

// TrendingStore is the time-series surface the refresher drives. The store
// does the heavy lifting; the refresher just sequences it.
type TrendingStore interface {
	PopulateFirstSeen(ctx context.Context, week time.Time) error
	GetTrendingCandidates(ctx context.Context, dataWeek, comparisonWeek, ageCutoff time.Time, minWeekDownloads int64, limit int) ([]timeseries.TrendingCandidate, error)
	InsertTrendingSnapshot(ctx context.Context, rows []models.TrendingPackage) error
}

// MetaSource resolves enrichment metadata for snapshot rows.
type MetaSource interface {
	GetPackageMeta(ctx context.Context, idLowers []string) (map[string]models.PackageMeta, error)
}

const (
	trendingMinWeekDownloads = 1000
	trendingLimit            = 1000
	trendingMaxAgeMonths     = 12
)

// TrendingRefresher recomputes the weekly trending snapshot: growth of the
// last complete week over the week before, restricted to packages first
// seen within the last year. Snapshot writes replace on key, so a re-run
// only bumps computed_at.
type TrendingRefresher struct {
	store TrendingStore
	meta  MetaSource

	now func() time.Time
}

func NewTrendingRefresher(store TrendingStore, meta MetaSource) *TrendingRefresher {
	return &TrendingRefresher{store: store, meta: meta, now: time.Now}
}

// Run executes one snapshot recompute.
func (r *TrendingRefresher) Run(ctx context.Context) error {
	now := r.now().UTC()
	dataWeek := timeseries.MondayOf(now.AddDate(0, 0, -7)) // last complete week
	comparisonWeek := dataWeek.AddDate(0, 0, -7)
	ageCutoff := now.AddDate(0, -trendingMaxAgeMonths, 0)

	// Step 1: record first-seen for packages that appeared this week.
	if err := r.store.PopulateFirstSeen(ctx, dataWeek); err != nil {
		return err
	}

	// Step 2: growth computation happens in the database.
	candidates, err := r.store.GetTrendingCandidates(ctx, dataWeek, comparisonWeek, ageCutoff, trendingMinWeekDownloads, trendingLimit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.Printf("[trending] no candidates for week %s", dataWeek.Format("2006-01-02"))
		return nil
	}

	// Step 3: enrich with metadata and write the snapshot.
	idLowers := make([]string, len(candidates))
	for i, c := range candidates {
		idLowers[i] = c.PackageIDLower
	}
	meta, err := r.meta.GetPackageMeta(ctx, idLowers)
	if err != nil {
		return fmt.Errorf("failed to enrich trending rows: %w", err)
	}

	computedAt := r.now().UTC()
	rows := make([]models.TrendingPackage, 0, len(candidates))
	for _, c := range candidates {
		m := meta[c.PackageIDLower]
		packageID := m.PackageID
		if packageID == "" {
			packageID = c.PackageIDLower
		}
		rows = append(rows, models.TrendingPackage{
			Week:                    dataWeek,
			PackageIDLower:          c.PackageIDLower,
			PackageID:               packageID,
			WeekDownloads:           c.WeekDownloads,
			ComparisonWeekDownloads: c.ComparisonWeekDownloads,
			GrowthRate:              c.GrowthRate,
			IconURL:                 m.IconURL,
			GithubURL:               GithubURL(m.ProjectURL),
			ComputedAt:              computedAt,
		})
	}

	if err := r.store.InsertTrendingSnapshot(ctx, rows); err != nil {
		return err
	}
	log.Printf("[trending] snapshot for week %s: %d packages", dataWeek.Format("2006-01-02"), len(rows))
	return nil
}

// GithubURL returns a normalized repository link when the project url points
// at github.com, "" otherwise.
func GithubURL(projectURL string) string {
	if projectURL == "" {
		return ""
	}
	u, err := url.Parse(projectURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	repo := strings.TrimSuffix(parts[1], ".git")
	return "https://github.com/" + parts[0] + "/" + repo
}

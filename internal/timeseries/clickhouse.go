// Package timeseries is the ClickHouse store: daily download rows, the
// weekly rollup fed by a materialized view, and the snapshot tables the
// serving layer reads directly.
package timeseries

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"nugettrends/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type Store struct {
	conn driver.Conn
}

func NewStore(dsn string) (*Store, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Migrate executes the DDL script at schemaPath, one statement at a time
// (the driver does not accept multi-statement scripts). Statements are
// CREATE IF NOT EXISTS, so this runs at every boot.
func (s *Store) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	for _, stmt := range strings.Split(string(content), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.conn.Exec(context.Background(), stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// InsertDaily appends one worker batch of dated rows. Duplicate keys are
// collapsed to the latest write by the table's merge process, so redelivery
// of a batch is safe.
func (s *Store) InsertDaily(ctx context.Context, rows []models.DailyDownload) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO daily_downloads (package_id_lower, date, download_count)")
	if err != nil {
		return fmt.Errorf("failed to prepare daily batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(strings.ToLower(r.PackageIDLower), r.Date.UTC(), r.DownloadCount); err != nil {
			return fmt.Errorf("failed to append daily row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send daily batch: %w", err)
	}
	return nil
}

// GetWeeklyDownloads returns the Monday-keyed weekly series for a package
// over the trailing number of months. The stored state is a daily average;
// scaling by 7 yields the weekly total. Lookup is case-insensitive.
func (s *Store) GetWeeklyDownloads(ctx context.Context, packageID string, months int) ([]models.WeeklyDownload, error) {
	since := MondayOf(time.Now().UTC().AddDate(0, -months, 0))
	rows, err := s.conn.Query(ctx, `
		SELECT week, toInt64(round(avgMerge(download_avg_state) * 7)) AS downloads
		FROM weekly_downloads
		WHERE package_id_lower = lower(?) AND week >= ?
		GROUP BY week
		ORDER BY week`,
		packageID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly downloads: %w", err)
	}
	defer rows.Close()

	var out []models.WeeklyDownload
	for rows.Next() {
		var w models.WeeklyDownload
		if err := rows.Scan(&w.Week, &w.Downloads); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PopulateFirstSeen records the given week as first_seen for every package
// that shows up in the weekly rollup at that week and has no first_seen row
// yet. Called by the trending refresher before it reads the table.
func (s *Store) PopulateFirstSeen(ctx context.Context, week time.Time) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO package_first_seen (package_id_lower, first_seen)
		SELECT w.package_id_lower, toDate(?)
		FROM weekly_downloads w
		LEFT ANTI JOIN package_first_seen f ON f.package_id_lower = w.package_id_lower
		WHERE w.week = ?
		GROUP BY w.package_id_lower`,
		week, week)
	if err != nil {
		return fmt.Errorf("failed to populate first seen: %w", err)
	}
	return nil
}

// TrendingCandidate is one package that passed the trending filters.
type TrendingCandidate struct {
	PackageIDLower          string
	WeekDownloads           int64
	ComparisonWeekDownloads int64
	GrowthRate              float64
}

// GetTrendingCandidates computes weekly growth between two complete weeks,
// filtered to packages first seen on or after ageCutoff with at least
// minWeekDownloads in the data week, ordered by growth rate, capped at limit.
// The database does the heavy lifting here.
func (s *Store) GetTrendingCandidates(ctx context.Context, dataWeek, comparisonWeek, ageCutoff time.Time, minWeekDownloads int64, limit int) ([]TrendingCandidate, error) {
	rows, err := s.conn.Query(ctx, `
		WITH
			cur AS (
				SELECT package_id_lower, round(avgMerge(download_avg_state) * 7) AS downloads
				FROM weekly_downloads
				WHERE week = ?
				GROUP BY package_id_lower
			),
			prev AS (
				SELECT package_id_lower, round(avgMerge(download_avg_state) * 7) AS downloads
				FROM weekly_downloads
				WHERE week = ?
				GROUP BY package_id_lower
			),
			seen AS (
				SELECT package_id_lower, min(first_seen) AS first_seen
				FROM package_first_seen
				GROUP BY package_id_lower
			)
		SELECT
			cur.package_id_lower,
			toInt64(cur.downloads),
			toInt64(prev.downloads),
			(cur.downloads - prev.downloads) / prev.downloads AS growth_rate
		FROM cur
		INNER JOIN prev ON prev.package_id_lower = cur.package_id_lower
		INNER JOIN seen ON seen.package_id_lower = cur.package_id_lower
		WHERE cur.downloads >= ?
		  AND prev.downloads > 0
		  AND seen.first_seen >= toDate(?)
		ORDER BY growth_rate DESC
		LIMIT ?`,
		dataWeek, comparisonWeek, minWeekDownloads, ageCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trending candidates: %w", err)
	}
	defer rows.Close()

	var out []TrendingCandidate
	for rows.Next() {
		var c TrendingCandidate
		if err := rows.Scan(&c.PackageIDLower, &c.WeekDownloads, &c.ComparisonWeekDownloads, &c.GrowthRate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertTrendingSnapshot writes one week's trending rows. The snapshot table
// replaces on (week, package_id_lower) keeping the latest computed_at, so
// re-running the refresher is safe.
func (s *Store) InsertTrendingSnapshot(ctx context.Context, rows []models.TrendingPackage) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trending_packages_snapshot
		(week, package_id_lower, package_id_original, week_downloads, comparison_week_downloads,
		 growth_rate, icon_url, github_url, computed_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trending batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Week.UTC(), r.PackageIDLower, r.PackageID,
			r.WeekDownloads, r.ComparisonWeekDownloads, r.GrowthRate,
			r.IconURL, r.GithubURL, r.ComputedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append trending row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send trending batch: %w", err)
	}
	return nil
}

// GetTrendingSnapshot reads the latest snapshot rows for a week, growth first.
func (s *Store) GetTrendingSnapshot(ctx context.Context, week time.Time) ([]models.TrendingPackage, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT week, package_id_lower, package_id_original,
		       week_downloads, comparison_week_downloads, growth_rate,
		       icon_url, github_url, computed_at
		FROM trending_packages_snapshot FINAL
		WHERE week = ?
		ORDER BY growth_rate DESC`,
		week)
	if err != nil {
		return nil, fmt.Errorf("failed to query trending snapshot: %w", err)
	}
	defer rows.Close()

	var out []models.TrendingPackage
	for rows.Next() {
		var r models.TrendingPackage
		if err := rows.Scan(
			&r.Week, &r.PackageIDLower, &r.PackageID,
			&r.WeekDownloads, &r.ComparisonWeekDownloads, &r.GrowthRate,
			&r.IconURL, &r.GithubURL, &r.ComputedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertTfmAdoption writes the per-month adoption rows. Replaces on
// (month, tfm), later computed_at wins.
func (s *Store) InsertTfmAdoption(ctx context.Context, rows []models.TfmAdoption) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO tfm_adoption_snapshot
		(month, tfm, family, new_package_count, cumulative_package_count, computed_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare tfm batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Month.UTC(), r.Tfm, r.Family,
			r.NewPackageCount, r.CumulativePackageCount, r.ComputedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append tfm row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send tfm batch: %w", err)
	}
	return nil
}

// RebuildWeeklyFromDaily truncates the weekly rollup and recomputes it from
// the daily table in one idempotent statement. Operator recovery path only;
// the queue must be drained first or concurrent inserts bias the averages.
func (s *Store) RebuildWeeklyFromDaily(ctx context.Context) error {
	if err := s.conn.Exec(ctx, "TRUNCATE TABLE weekly_downloads"); err != nil {
		return fmt.Errorf("failed to truncate weekly downloads: %w", err)
	}
	err := s.conn.Exec(ctx, `
		INSERT INTO weekly_downloads (package_id_lower, week, download_avg_state)
		SELECT package_id_lower, toMonday(date) AS week, avgState(download_count)
		FROM daily_downloads FINAL
		GROUP BY package_id_lower, week`)
	if err != nil {
		return fmt.Errorf("failed to rebuild weekly downloads: %w", err)
	}
	return nil
}

// MondayOf returns the Monday 00:00 UTC of the week t belongs to.
func MondayOf(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

// MonthOf returns the first day of t's month at 00:00 UTC.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

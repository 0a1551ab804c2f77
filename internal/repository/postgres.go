// Package repository is the metadata store: catalog leaf rows, latest
// per-package download counts, and the catalog cursor, all in Postgres.
package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nugettrends/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const catalogCursorName = "catalog"

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

// Migrate executes the DDL script at schemaPath. Statements are written to be
// re-runnable (CREATE IF NOT EXISTS), so this runs at every boot.
func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	_, err = r.db.Exec(context.Background(), string(content))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// GetCursor returns the catalog cursor, or nil when no run has completed yet.
func (r *Repository) GetCursor(ctx context.Context) (*time.Time, error) {
	var value time.Time
	err := r.db.QueryRow(ctx, "SELECT value FROM cursors WHERE name = $1", catalogCursorName).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// SetCursor persists the catalog cursor. Idempotent; the processor owns
// monotonicity.
func (r *Repository) SetCursor(ctx context.Context, value time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO cursors (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		catalogCursorName, value.UTC())
	return err
}

// ClearCursor removes the catalog cursor. Operator tool only: the next run
// restarts from the configured minimum commit timestamp.
func (r *Repository) ClearCursor(ctx context.Context) error {
	_, err := r.db.Exec(ctx, "DELETE FROM cursors WHERE name = $1", catalogCursorName)
	return err
}

// InsertLeafBatch applies one window of details leaves, sorted by commit
// time. Already-present keys are skipped: first a single lookup query filters
// out known rows (case-sensitive, supplemented by a case-folded set so a
// re-cased republish of the same version is not duplicated), then the insert
// itself tolerates duplicate keys from a racing processor. The batch commits
// minus the duplicates, so one conflict never stalls cursor advancement.
// Returns the number of rows actually inserted.
func (r *Repository) InsertLeafBatch(ctx context.Context, leaves []models.PackageLeaf) (int, error) {
	if len(leaves) == 0 {
		return 0, nil
	}

	fresh := dedupeLeafBatch(leaves)

	// Single round-trip lookup of keys already present for this batch.
	lowers := make([]string, len(fresh))
	versions := make([]string, len(fresh))
	for i, l := range fresh {
		lowers[i] = l.PackageIDLower
		versions[i] = l.PackageVersion
	}
	rows, err := r.db.Query(ctx, `
		SELECT l.package_id, l.package_id_lower, l.package_version
		FROM package_details_catalog_leafs l
		JOIN UNNEST($1::text[], $2::text[]) AS u(package_id_lower, package_version)
			ON l.package_id_lower = u.package_id_lower
			AND l.package_version = u.package_version`,
		lowers, versions)
	if err != nil {
		return 0, fmt.Errorf("failed to load existing leaf keys: %w", err)
	}
	existing := make(map[models.LeafKey]struct{})
	existingFolded := make(map[models.LeafKey]struct{})
	for rows.Next() {
		var id, idLower, version string
		if err := rows.Scan(&id, &idLower, &version); err != nil {
			rows.Close()
			return 0, err
		}
		existing[models.LeafKey{PackageID: id, PackageVersion: version}] = struct{}{}
		existingFolded[models.LeafKey{PackageID: idLower, PackageVersion: version}] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	toInsert := filterKnownLeaves(fresh, existing, existingFolded)
	if len(toInsert) == 0 {
		return 0, nil
	}

	// Bulk insert via UNNEST. ON CONFLICT DO NOTHING detaches rows a
	// concurrent processor inserted between our lookup and now.
	ids := make([]string, len(toInsert))
	idLowers := make([]string, len(toInsert))
	vers := make([]string, len(toInsert))
	commits := make([]time.Time, len(toInsert))
	published := make([]time.Time, len(toInsert))
	listed := make([]*bool, len(toInsert))
	icons := make([]string, len(toInsert))
	projects := make([]string, len(toInsert))
	descriptions := make([]string, len(toInsert))
	authors := make([]string, len(toInsert))
	// Tags and framework monikers are space-free tokens, so rows can ride
	// through UNNEST as space-joined scalars and be split server-side.
	tags := make([]string, len(toInsert))
	frameworks := make([]string, len(toInsert))

	for i, l := range toInsert {
		ids[i] = l.PackageID
		idLowers[i] = l.PackageIDLower
		vers[i] = l.PackageVersion
		commits[i] = l.CommitTimestamp.UTC()
		published[i] = l.Published.UTC()
		listed[i] = l.Listed
		icons[i] = l.IconURL
		projects[i] = l.ProjectURL
		descriptions[i] = l.Description
		authors[i] = l.Authors
		tags[i] = strings.Join(l.Tags, " ")
		frameworks[i] = strings.Join(l.TargetFrameworks, " ")
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO package_details_catalog_leafs (
			package_id, package_id_lower, package_version,
			commit_timestamp, published, listed,
			icon_url, project_url, description, authors,
			tags, target_frameworks, created_at
		)
		SELECT
			u.package_id,
			u.package_id_lower,
			u.package_version,
			u.commit_timestamp,
			u.published,
			u.listed,
			NULLIF(u.icon_url, ''),
			NULLIF(u.project_url, ''),
			NULLIF(u.description, ''),
			NULLIF(u.authors, ''),
			CASE WHEN u.tags = '' THEN '{}'::text[] ELSE string_to_array(u.tags, ' ') END,
			CASE WHEN u.target_frameworks = '' THEN '{}'::text[] ELSE string_to_array(u.target_frameworks, ' ') END,
			NOW()
		FROM UNNEST(
			$1::text[],        -- package_id
			$2::text[],        -- package_id_lower
			$3::text[],        -- package_version
			$4::timestamptz[], -- commit_timestamp
			$5::timestamptz[], -- published
			$6::bool[],        -- listed
			$7::text[],        -- icon_url
			$8::text[],        -- project_url
			$9::text[],        -- description
			$10::text[],       -- authors
			$11::text[],       -- tags (space-joined)
			$12::text[]        -- target_frameworks (space-joined)
		) AS u(
			package_id, package_id_lower, package_version,
			commit_timestamp, published, listed,
			icon_url, project_url, description, authors,
			tags, target_frameworks
		)
		ON CONFLICT (package_id, package_version) DO NOTHING`,
		ids, idLowers, vers, commits, published, listed,
		icons, projects, descriptions, authors, tags, frameworks)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert leaves: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// DeletePackage removes every version row of the package and tombstones its
// download row so the publisher and worker stop touching it. Historical
// time-series rows are kept on purpose.
func (r *Repository) DeletePackage(ctx context.Context, packageID string) error {
	idLower := strings.ToLower(packageID)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM package_details_catalog_leafs WHERE package_id_lower = $1", idLower); err != nil {
		return fmt.Errorf("failed to delete leaf rows for %s: %w", idLower, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO package_downloads (package_id, package_id_lower, deleted, deleted_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (package_id_lower) DO UPDATE SET deleted = TRUE, deleted_at = NOW()`,
		packageID, idLower); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", idLower, err)
	}

	return tx.Commit(ctx)
}

// StreamPendingPackages walks every package_id_lower whose download count has
// not been refreshed today (UTC), or that has never been refreshed, skipping
// tombstoned packages. The result set covers the whole catalog so it is
// streamed row by row into fn; fn returning an error stops the stream.
func (r *Repository) StreamPendingPackages(ctx context.Context, todayUTC time.Time, fn func(idLower string) error) error {
	rows, err := r.db.Query(ctx, `
		SELECT package_id_lower
		FROM pending_package_downloads
		WHERE latest_download_checked_utc IS NULL OR latest_download_checked_utc < $1
		ORDER BY package_id_lower`,
		todayUTC)
	if err != nil {
		return fmt.Errorf("failed to stream pending packages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idLower string
		if err := rows.Scan(&idLower); err != nil {
			return err
		}
		if err := fn(idLower); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpsertDownloads writes the latest counts for a worker batch. Keyed on
// package_id_lower; repeated delivery of the same batch only moves the
// checked timestamp. The original casing is resolved from the leaf table on
// first insert and left alone afterwards.
func (r *Repository) UpsertDownloads(ctx context.Context, downloads []models.PackageDownload) error {
	if len(downloads) == 0 {
		return nil
	}

	idLowers := make([]string, len(downloads))
	counts := make([]*int64, len(downloads))
	checked := make([]time.Time, len(downloads))
	icons := make([]string, len(downloads))
	for i, d := range downloads {
		idLowers[i] = d.PackageIDLower
		counts[i] = d.LatestDownloadCount
		checked[i] = d.LatestDownloadCheckedUTC.UTC()
		icons[i] = d.IconURL
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO package_downloads (
			package_id, package_id_lower,
			latest_download_count, latest_download_checked_utc, icon_url
		)
		SELECT
			COALESCE(
				(SELECT l.package_id FROM package_details_catalog_leafs l
				 WHERE l.package_id_lower = u.package_id_lower
				 ORDER BY l.commit_timestamp DESC LIMIT 1),
				u.package_id_lower
			),
			u.package_id_lower,
			u.latest_download_count,
			u.latest_download_checked_utc,
			NULLIF(u.icon_url, '')
		FROM UNNEST(
			$1::text[],        -- package_id_lower
			$2::bigint[],      -- latest_download_count
			$3::timestamptz[], -- latest_download_checked_utc
			$4::text[]         -- icon_url
		) AS u(package_id_lower, latest_download_count, latest_download_checked_utc, icon_url)
		ON CONFLICT (package_id_lower) DO UPDATE SET
			latest_download_count = EXCLUDED.latest_download_count,
			latest_download_checked_utc = EXCLUDED.latest_download_checked_utc,
			icon_url = COALESCE(EXCLUDED.icon_url, package_downloads.icon_url)`,
		idLowers, counts, checked, icons)
	if err != nil {
		return fmt.Errorf("failed to upsert downloads: %w", err)
	}
	return nil
}

// GetPackageMeta resolves trending enrichment data (original casing, icon,
// project url) for a set of lowercase ids. Ids without metadata are absent
// from the result.
func (r *Repository) GetPackageMeta(ctx context.Context, idLowers []string) (map[string]models.PackageMeta, error) {
	if len(idLowers) == 0 {
		return map[string]models.PackageMeta{}, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (l.package_id_lower)
			l.package_id_lower, l.package_id,
			COALESCE(d.icon_url, l.icon_url, ''),
			COALESCE(l.project_url, '')
		FROM package_details_catalog_leafs l
		LEFT JOIN package_downloads d ON d.package_id_lower = l.package_id_lower
		WHERE l.package_id_lower = ANY($1)
		ORDER BY l.package_id_lower, l.commit_timestamp DESC`,
		idLowers)
	if err != nil {
		return nil, fmt.Errorf("failed to load package meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.PackageMeta, len(idLowers))
	for rows.Next() {
		var idLower string
		var meta models.PackageMeta
		if err := rows.Scan(&idLower, &meta.PackageID, &meta.IconURL, &meta.ProjectURL); err != nil {
			return nil, err
		}
		out[idLower] = meta
	}
	return out, rows.Err()
}

// dedupeLeafBatch folds the batch by case-insensitive key. Leaves arrive in
// commit order and the first observation of a casing wins, matching the
// table's behavior. Missing package_id_lower values are filled in.
func dedupeLeafBatch(leaves []models.PackageLeaf) []models.PackageLeaf {
	fresh := make([]models.PackageLeaf, 0, len(leaves))
	seen := make(map[models.LeafKey]struct{}, len(leaves))
	for _, l := range leaves {
		if l.PackageIDLower == "" {
			l.PackageIDLower = strings.ToLower(l.PackageID)
		}
		k := l.LowerKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, l)
	}
	return fresh
}

// filterKnownLeaves drops leaves already present in the table, matching
// case-sensitively first and case-folded second (a re-cased republish of an
// existing version is a re-observation, not a new row).
func filterKnownLeaves(leaves []models.PackageLeaf, existing, existingFolded map[models.LeafKey]struct{}) []models.PackageLeaf {
	out := make([]models.PackageLeaf, 0, len(leaves))
	for _, l := range leaves {
		if _, ok := existing[l.Key()]; ok {
			continue
		}
		if _, ok := existingFolded[l.LowerKey()]; ok {
			continue
		}
		out = append(out, l)
	}
	return out
}

// FirstVersionTfms is the adoption-refresher input: the month a package first
// appeared and the frameworks its first version targets.
type FirstVersionTfms struct {
	PackageIDLower string
	Month          time.Time
	Frameworks     []string
}

// StreamFirstVersionTfms walks every package's first published version and
// its target frameworks, in package order. Unlisted republishes carry the
// upstream's sentinel publish date (1900-01-01) and are excluded.
func (r *Repository) StreamFirstVersionTfms(ctx context.Context, fn func(FirstVersionTfms) error) error {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (package_id_lower)
			package_id_lower,
			date_trunc('month', published AT TIME ZONE 'UTC')::date,
			COALESCE(target_frameworks, '{}')
		FROM package_details_catalog_leafs
		WHERE published > '1901-01-01'
		  AND listed IS DISTINCT FROM FALSE
		ORDER BY package_id_lower, published ASC, commit_timestamp ASC`)
	if err != nil {
		return fmt.Errorf("failed to stream first-version tfms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row FirstVersionTfms
		if err := rows.Scan(&row.PackageIDLower, &row.Month, &row.Frameworks); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

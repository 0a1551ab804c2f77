package models

import (
	"strings"
	"time"
)

// PackageLeaf represents the 'package_details_catalog_leafs' table: one row per
// (package_id, package_version) observed in the upstream catalog.
type PackageLeaf struct {
	PackageID        string    `json:"package_id"`
	PackageIDLower   string    `json:"package_id_lower"`
	PackageVersion   string    `json:"package_version"`
	CommitTimestamp  time.Time `json:"commit_timestamp"`
	Published        time.Time `json:"published"`
	Listed           *bool     `json:"listed,omitempty"`
	IconURL          string    `json:"icon_url,omitempty"`
	ProjectURL       string    `json:"project_url,omitempty"`
	Description      string    `json:"description,omitempty"`
	Authors          string    `json:"authors,omitempty"`
	Tags             []string  `json:"tags,omitempty"`              // Stored as TEXT[] in DB
	TargetFrameworks []string  `json:"target_frameworks,omitempty"` // Stored as TEXT[] in DB
	CreatedAt        time.Time `json:"created_at"`
}

// Key returns the case-sensitive identity of the leaf.
func (l PackageLeaf) Key() LeafKey {
	return LeafKey{PackageID: l.PackageID, PackageVersion: l.PackageVersion}
}

// LowerKey folds the package id, absorbing upstream re-casings of the same package.
func (l PackageLeaf) LowerKey() LeafKey {
	return LeafKey{PackageID: strings.ToLower(l.PackageID), PackageVersion: l.PackageVersion}
}

// LeafKey identifies a single catalog leaf row.
type LeafKey struct {
	PackageID      string
	PackageVersion string
}

// PackageDownload represents the 'package_downloads' table: the latest known
// total download count per package, refreshed by the download worker.
type PackageDownload struct {
	PackageID                string     `json:"package_id"`
	PackageIDLower           string     `json:"package_id_lower"`
	LatestDownloadCount      *int64     `json:"latest_download_count,omitempty"`
	LatestDownloadCheckedUTC time.Time  `json:"latest_download_checked_utc"`
	IconURL                  string     `json:"icon_url,omitempty"`
	Deleted                  bool       `json:"deleted"`
	DeletedAt                *time.Time `json:"deleted_at,omitempty"`
}

// DailyDownload is one dated row in the time-series store.
type DailyDownload struct {
	PackageIDLower string    `json:"package_id_lower"`
	Date           time.Time `json:"date"`
	DownloadCount  uint64    `json:"download_count"`
}

// WeeklyDownload is one Monday-keyed point of the weekly rollup.
// Downloads is the weekly total (daily average scaled by 7).
type WeeklyDownload struct {
	Week      time.Time `json:"week"`
	Downloads int64     `json:"downloads"`
}

// TrendingPackage is one row of the trending snapshot for a given week.
type TrendingPackage struct {
	Week                    time.Time `json:"week"`
	PackageIDLower          string    `json:"package_id_lower"`
	PackageID               string    `json:"package_id"`
	WeekDownloads           int64     `json:"week_downloads"`
	ComparisonWeekDownloads int64     `json:"comparison_week_downloads"`
	GrowthRate              float64   `json:"growth_rate"`
	IconURL                 string    `json:"icon_url,omitempty"`
	GithubURL               string    `json:"github_url,omitempty"`
	ComputedAt              time.Time `json:"computed_at"`
}

// TfmAdoption is one (month, tfm) row of the target-framework adoption snapshot.
type TfmAdoption struct {
	Month                  time.Time `json:"month"` // first of month, UTC
	Tfm                    string    `json:"tfm"`
	Family                 string    `json:"family"`
	NewPackageCount        uint32    `json:"new_package_count"`
	CumulativePackageCount uint32    `json:"cumulative_package_count"`
	ComputedAt             time.Time `json:"computed_at"`
}

// PackageMeta is the metadata slice the trending refresher needs to enrich a
// snapshot row: original casing plus the latest known icon and project URLs.
type PackageMeta struct {
	PackageID  string
	IconURL    string
	ProjectURL string
}

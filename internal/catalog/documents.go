package catalog

import (
	"encoding/json"
	"strings"
	"time"
)

// Document shapes of the NuGet catalog protocol. Decoding is deliberately
// loose: unknown fields are ignored and optional fields may be absent, since
// the upstream adds fields without notice.

const (
	catalogResourceType = "Catalog/3.0.0"

	// Page item types.
	TypePackageDetails = "nuget:PackageDetails"
	TypePackageDelete  = "nuget:PackageDelete"
)

// ServiceIndex is the upstream's entry point document.
type ServiceIndex struct {
	Resources []ServiceResource `json:"resources"`
}

// ServiceResource is one @type/@id pair in the service index.
type ServiceResource struct {
	ID   string `json:"@id"`
	Type string `json:"@type"`
}

// CatalogIndexURL returns the @id of the catalog resource, or "" when the
// upstream does not expose one.
func (s *ServiceIndex) CatalogIndexURL() string {
	for _, r := range s.Resources {
		if r.Type == catalogResourceType {
			return r.ID
		}
	}
	return ""
}

// CatalogIndex lists the catalog's pages. Each item's commitTimeStamp is the
// newest commit contained in that page.
type CatalogIndex struct {
	CommitTimestamp time.Time     `json:"commitTimeStamp"`
	Count           int           `json:"count"`
	Items           []PageSummary `json:"items"`
}

// PageSummary is one page reference inside the catalog index.
type PageSummary struct {
	URL             string    `json:"@id"`
	CommitTimestamp time.Time `json:"commitTimeStamp"`
	Count           int       `json:"count"`
}

// CatalogPage lists the leaves of one page.
type CatalogPage struct {
	CommitTimestamp time.Time  `json:"commitTimeStamp"`
	Count           int        `json:"count"`
	Items           []LeafItem `json:"items"`
}

// LeafItem is one leaf reference inside a catalog page. For deletes the page
// item carries everything the processor needs; only details leaves are fetched.
type LeafItem struct {
	URL             string    `json:"@id"`
	Type            string    `json:"@type"`
	CommitTimestamp time.Time `json:"commitTimeStamp"`
	PackageID       string    `json:"nuget:id"`
	PackageVersion  string    `json:"nuget:version"`
}

// IsDelete reports whether this leaf tombstones the package.
func (i LeafItem) IsDelete() bool { return i.Type == TypePackageDelete }

// DetailsLeaf is the full package-details document behind a LeafItem.
type DetailsLeaf struct {
	PackageID        string            `json:"id"`
	PackageVersion   string            `json:"version"`
	CommitTimestamp  time.Time         `json:"commitTimeStamp"`
	Published        time.Time         `json:"published"`
	Listed           *bool             `json:"listed"`
	IconURL          string            `json:"iconUrl"`
	ProjectURL       string            `json:"projectUrl"`
	Description      string            `json:"description"`
	Authors          string            `json:"authors"`
	Tags             StringList        `json:"tags"`
	DependencyGroups []DependencyGroup `json:"dependencyGroups"`
	PackageEntries   []PackageEntry    `json:"packageEntries"`
}

// DependencyGroup carries the target framework a set of dependencies applies to.
type DependencyGroup struct {
	TargetFramework string       `json:"targetFramework"`
	Dependencies    []Dependency `json:"dependencies"`
}

// Dependency is one entry of a dependency group.
type Dependency struct {
	ID    string `json:"id"`
	Range string `json:"range"`
}

// PackageEntry is one file inside the package archive.
type PackageEntry struct {
	FullName string `json:"fullName"`
	Name     string `json:"name"`
}

// StringList decodes a JSON value that the catalog serves either as a string
// or as an array of strings (tags on old leaves are a single spaced string).
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	single = strings.TrimSpace(single)
	if single == "" {
		*s = nil
		return nil
	}
	*s = strings.Fields(single)
	return nil
}

// TargetFrameworks collects the distinct framework strings a leaf declares,
// preferring dependency groups and falling back to lib/ entries in the
// archive listing for packages with no dependencies.
func (l *DetailsLeaf) TargetFrameworks() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(fw string) {
		fw = strings.TrimSpace(fw)
		if fw == "" {
			return
		}
		if _, ok := seen[fw]; ok {
			return
		}
		seen[fw] = struct{}{}
		out = append(out, fw)
	}

	for _, g := range l.DependencyGroups {
		add(g.TargetFramework)
	}
	if len(out) > 0 {
		return out
	}

	// No dependency groups: infer from lib/<tfm>/... archive paths.
	for _, e := range l.PackageEntries {
		full := strings.ReplaceAll(e.FullName, "\\", "/")
		if !strings.HasPrefix(full, "lib/") {
			continue
		}
		rest := strings.TrimPrefix(full, "lib/")
		if slash := strings.IndexByte(rest, '/'); slash > 0 {
			add(rest[:slash])
		}
	}
	return out
}

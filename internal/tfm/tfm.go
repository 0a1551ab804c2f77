// Package tfm normalizes target framework monikers and groups them into the
// runtime families used by the adoption snapshot.
package tfm

import (
	"strconv"
	"strings"
)

// Family labels for the adoption snapshot.
const (
	FamilyNet          = ".NET"
	FamilyNetFramework = ".NET Framework"
	FamilyNetStandard  = ".NET Standard"
	FamilyOther        = "Other"
)

// Normalize maps a target framework string from a catalog leaf to its short
// moniker. Catalog leaves carry both short forms ("net6.0", "netstandard2.0")
// and long forms (".NETFramework,Version=v4.5", ".NETStandard,Version=v2.0").
// Unrecognized inputs are lowercased and trimmed but otherwise kept, so new
// monikers flow through without a code change.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// Long form: "<identifier>,Version=v<version>"
	if idx := strings.Index(s, ",Version=v"); idx != -1 {
		identifier := s[:idx]
		version := s[idx+len(",Version=v"):]
		switch strings.ToLower(identifier) {
		case ".netframework":
			// .NETFramework,Version=v4.7.2 -> net472
			return "net" + strings.ReplaceAll(version, ".", "")
		case ".netstandard":
			return "netstandard" + version
		case ".netcoreapp":
			// Core 1.0-3.1 keep the netcoreapp prefix; 5.0+ never used it.
			return "netcoreapp" + version
		case ".netplatform":
			return "dotnet" + strings.ReplaceAll(version, ".", "")
		default:
			return strings.ToLower(identifier) + version
		}
	}

	return strings.ToLower(s)
}

// FamilyOf buckets a normalized moniker into its runtime family.
func FamilyOf(moniker string) string {
	m := strings.ToLower(strings.TrimSpace(moniker))
	switch {
	case m == "":
		return FamilyOther
	case strings.HasPrefix(m, "netstandard"):
		return FamilyNetStandard
	case strings.HasPrefix(m, "netcoreapp"):
		return FamilyNet
	case strings.HasPrefix(m, "net"):
		rest := strings.TrimPrefix(m, "net")
		if rest == "" {
			return FamilyOther
		}
		// net5.0 and later are ".NET"; dotted versions below 5 never shipped.
		if dot := strings.IndexByte(rest, '.'); dot != -1 {
			if major, err := strconv.Atoi(rest[:dot]); err == nil && major >= 5 {
				return FamilyNet
			}
			return FamilyOther
		}
		// Undotted digits are classic Framework monikers: net11 .. net481.
		if _, err := strconv.Atoi(rest); err == nil {
			return FamilyNetFramework
		}
		return FamilyOther
	default:
		return FamilyOther
	}
}

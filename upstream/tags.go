package upstream

import "fmt"

// TagRange bounds a calendar-versioned tag enumeration (YYYY.M.P).
type TagRange struct {
	FromYear, ToYear int
	MaxMinor         int
	MaxPatch         int
}

// DefaultTagRange covers the releases the registry was harvested from.
var DefaultTagRange = TagRange{FromYear: 2020, ToYear: 2025, MaxMinor: 12, MaxPatch: 4}

// EnumerateTags lists every candidate tag in r, oldest first. Most do not
// exist upstream; callers skip the ones that 404.
func EnumerateTags(r TagRange) []string {
	var out []string
	for year := r.FromYear; year <= r.ToYear; year++ {
		for minor := 0; minor <= r.MaxMinor; minor++ {
			for patch := 0; patch <= r.MaxPatch; patch++ {
				out = append(out, fmt.Sprintf("%d.%d.%d", year, minor, patch))
			}
		}
	}
	return out
}

// Package listing holds the site model (periods, sections) and the record
// types shared by the download-and-consistency pipeline.
package listing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AllSections is the pseudo category that downloads a period without any
// section filter applied.
const AllSections = "all"

// Period is one academic-year listing window, e.g. August 1, 2024 – January 31, 2025.
type Period struct {
	Year  int
	Label string
}

// Periods lists the known listing windows, newest first. The site is not
// consistent about the dash between the two dates, labels are kept as shown.
var Periods = []Period{
	{Year: 2025, Label: "August 1, 2025 - January 31, 2026"},
	{Year: 2024, Label: "August 1, 2024 – January 31, 2025"},
	{Year: 2023, Label: "August 1, 2023 – January 31, 2024"},
	{Year: 2022, Label: "August 1, 2022 – January 31, 2023"},
	{Year: 2021, Label: "August 1, 2021 – January 31, 2022"},
	{Year: 2020, Label: "August 1, 2020 – January 31, 2021"},
	{Year: 2019, Label: "August 1, 2019 – January 31, 2020"},
}

// Sections maps filter checkbox values to their display names.
var Sections = map[string]string{
	"1":  "US: Full-Time Academic",
	"2":  "US: Other Academic",
	"5":  "International: Full-Time Academic",
	"6":  "International: Other Academic",
	"9":  "Full-Time Nonacademic",
	"10": "Other Nonacademic",
}

// Recent returns the n newest known periods. n <= 0 or n larger than the
// catalog returns all of them.
func Recent(n int) []Period {
	if n <= 0 || n > len(Periods) {
		n = len(Periods)
	}
	out := make([]Period, n)
	copy(out, Periods[:n])
	return out
}

// PeriodForYear looks up the listing window starting in August of year.
func PeriodForYear(year int) (Period, bool) {
	for _, p := range Periods {
		if p.Year == year {
			return p, true
		}
	}
	return Period{}, false
}

// Key identifies one downloadable file: a period and a category.
type Key struct {
	Period   int
	Category string
}

func (k Key) String() string {
	return fmt.Sprintf("%d_%s", k.Period, k.Category)
}

// SectionName is the display name of the key's category.
func (k Key) SectionName() string {
	if k.Category == AllSections {
		return "all"
	}
	if name, ok := Sections[k.Category]; ok {
		return name
	}
	return k.Category
}

// FileName is the canonical file name for the key. At most one file with
// this name exists in the canonical directory.
func (k Key) FileName() string {
	slug := strings.ReplaceAll(k.SectionName(), ":", "")
	slug = strings.ReplaceAll(slug, " ", "_")
	return fmt.Sprintf("joe_%d_%s.xlsx", k.Period, slug)
}

// Less orders keys by period, then category. Numeric categories compare
// numerically so that section 10 sorts after section 9.
func (k Key) Less(o Key) bool {
	if k.Period != o.Period {
		return k.Period < o.Period
	}
	return categoryLess(k.Category, o.Category)
}

func categoryLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

// ParseKey parses the String form of a key, e.g. "2024_1".
func ParseKey(s string) (Key, error) {
	year, cat, ok := strings.Cut(s, "_")
	if !ok || cat == "" {
		return Key{}, fmt.Errorf("listing: malformed key %q", s)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return Key{}, fmt.Errorf("listing: malformed key period %q: %w", s, err)
	}
	return Key{Period: y, Category: cat}, nil
}

// Keys builds the cross product of periods and categories, newest period first.
func Keys(periods []Period, categories []string) []Key {
	keys := make([]Key, 0, len(periods)*len(categories))
	for _, p := range periods {
		for _, c := range categories {
			keys = append(keys, Key{Period: p.Year, Category: c})
		}
	}
	return keys
}

// SortKeys sorts keys in place in presentation order.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// IsCanonicalName reports whether name is the canonical file name of any
// known period and category.
func IsCanonicalName(name string) bool {
	for _, p := range Periods {
		if (Key{Period: p.Year, Category: AllSections}).FileName() == name {
			return true
		}
		for v := range Sections {
			if (Key{Period: p.Year, Category: v}).FileName() == name {
				return true
			}
		}
	}
	return false
}

// Package merge reconciles freshly parsed records with the previous
// snapshot.
package merge

import (
	"sort"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// Merge builds the next dataset. Keys present in fresh replace everything
// previous held for them, even when fresh holds no records for the key.
// Keys absent from fresh are carried forward unchanged.
func Merge(previous listing.Dataset, fresh map[listing.Key][]listing.Record) listing.Dataset {
	prev := previous.ByKey()

	keys := make([]listing.Key, 0, len(prev)+len(fresh))
	seen := make(map[listing.Key]bool)
	for k := range prev {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range fresh {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	listing.SortKeys(keys)

	var out []listing.Record
	for _, k := range keys {
		recs, ok := fresh[k]
		if !ok {
			recs = prev[k]
		}
		recs = keepLast(recs, func(r listing.Record) string { return r.Hash })
		recs = keepLast(recs, listing.Record.Identity)
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].SourceRow < recs[j].SourceRow })
		out = append(out, recs...)
	}
	return listing.Dataset{Records: out}
}

// keepLast drops every record whose id appears again later in recs. The
// survivors keep their relative order.
func keepLast(recs []listing.Record, id func(listing.Record) string) []listing.Record {
	last := make(map[string]int, len(recs))
	for i, r := range recs {
		last[id(r)] = i
	}
	out := make([]listing.Record, 0, len(last))
	for i, r := range recs {
		if last[id(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

// KeyDelta describes how one key changed between two datasets.
type KeyDelta struct {
	Key     listing.Key
	Before  int
	After   int
	Added   int
	Removed int
}

// Compare reports per-key changes from prev to next, ordered by key.
// Records are matched by hash.
func Compare(prev, next listing.Dataset) []KeyDelta {
	before := hashesByKey(prev)
	after := hashesByKey(next)

	var keys []listing.Key
	for k := range before {
		keys = append(keys, k)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			keys = append(keys, k)
		}
	}
	listing.SortKeys(keys)

	deltas := make([]KeyDelta, 0, len(keys))
	for _, k := range keys {
		d := KeyDelta{Key: k, Before: len(before[k]), After: len(after[k])}
		for h := range after[k] {
			if !before[k][h] {
				d.Added++
			}
		}
		for h := range before[k] {
			if !after[k][h] {
				d.Removed++
			}
		}
		deltas = append(deltas, d)
	}
	return deltas
}

func hashesByKey(d listing.Dataset) map[listing.Key]map[string]bool {
	out := make(map[listing.Key]map[string]bool)
	for _, r := range d.Records {
		if out[r.Key] == nil {
			out[r.Key] = make(map[string]bool)
		}
		out[r.Key][r.Hash] = true
	}
	return out
}

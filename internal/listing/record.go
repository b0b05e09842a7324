package listing

import "time"

// Record is one normalized posting row. Records are produced fresh on every
// parse and never modified afterwards.
type Record struct {
	Key          Key
	Institution  string
	Title        string
	OpeningCount int
	PostedDate   time.Time
	// NaturalKey is the site's posting id when the file carries one,
	// otherwise institution|title|date.
	NaturalKey string
	Hash       string
	// SourceRow is the 1-based data row in the canonical file.
	SourceRow int
}

// Identity distinguishes genuinely distinct postings sharing a natural key.
func (r Record) Identity() string {
	return r.NaturalKey + "\x00" + r.Institution + "\x00" + r.Title + "\x00" + r.PostedDate.Format("2006-01-02")
}

// Dataset is an ordered, deduplicated set of records.
type Dataset struct {
	Records []Record
}

// CountByKey returns the number of records per key.
func (d Dataset) CountByKey() map[Key]int {
	out := make(map[Key]int)
	for _, r := range d.Records {
		out[r.Key]++
	}
	return out
}

// ByKey groups the records per key, keeping their order.
func (d Dataset) ByKey() map[Key][]Record {
	out := make(map[Key][]Record)
	for _, r := range d.Records {
		out[r.Key] = append(out[r.Key], r)
	}
	return out
}

// Len is the number of postings in the dataset.
func (d Dataset) Len() int { return len(d.Records) }

// Openings sums OpeningCount over all records. A posting may advertise
// more than one opening.
func (d Dataset) Openings() int {
	n := 0
	for _, r := range d.Records {
		n += r.OpeningCount
	}
	return n
}

// Snapshot is the committed, validated dataset.
type Snapshot struct {
	Dataset
	Version     int
	CommittedAt time.Time
}

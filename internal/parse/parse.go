// Package parse turns a canonical listings spreadsheet into normalized
// posting records.
package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// Logical column names used by the site's export.
const (
	ColDate        = "Date_Active"
	ColSection     = "jp_section"
	ColInstitution = "jp_institution"
	ColTitle       = "jp_title"
	ColFullText    = "jp_full_text"
	ColID          = "jp_id"
)

// Required lists the columns a file must carry to be parsed.
var Required = []string{ColDate, ColSection, ColInstitution, ColTitle}

// aliases are alternative header spellings seen in older exports.
var aliases = map[string][]string{
	ColDate:        {"date_active", "DateActive", "post_date", "PostDate"},
	ColSection:     {"section", "Section", "category", "Category"},
	ColInstitution: {"institution", "Institution", "employer", "Employer"},
	ColTitle:       {"title", "Title", "position", "Position"},
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04",
}

// FormatError means the file does not have the expected tabular shape, or
// has data rows none of which could be read. A file with a FormatError
// contributes no records.
type FormatError struct {
	Path    string
	Missing []string
	Err     error
}

func (e *FormatError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("parse %s: missing columns %s", e.Path, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Parser reads canonical files. Parsing is pure: the same file always
// yields the same records in the same order.
type Parser struct {
	fs  afero.Fs
	log *zap.Logger
}

// New creates a Parser reading from fs.
func New(fs afero.Fs, logger *zap.Logger) *Parser {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{fs: fs, log: logger}
}

// Cursor streams the records of one file.
type Cursor struct {
	key      listing.Key
	path     string
	file     io.Closer
	book     *excelize.File
	rows     *excelize.Rows
	cols     map[string]int
	date1904 bool
	row      int
	rec      listing.Record
	err      error

	// Skipped counts rows dropped for a missing or unparseable date.
	Skipped int
}

// Open validates the header of the file at path and returns a cursor over
// its rows.
func (p *Parser) Open(key listing.Key, path string) (*Cursor, error) {
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parse: open %s", path)
	}
	book, err := excelize.OpenReader(f)
	if err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: err}
	}

	c := &Cursor{key: key, path: path, file: f, book: book}
	if props, err := book.GetWorkbookProps(); err == nil && props.Date1904 != nil && *props.Date1904 {
		c.date1904 = true
	}

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		c.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("no sheets")}
	}
	rows, err := book.Rows(sheets[0])
	if err != nil {
		c.Close()
		return nil, &FormatError{Path: path, Err: err}
	}
	c.rows = rows

	if !rows.Next() {
		c.Close()
		return nil, &FormatError{Path: path, Err: fmt.Errorf("empty sheet")}
	}
	header, err := rows.Columns()
	if err != nil {
		c.Close()
		return nil, &FormatError{Path: path, Err: err}
	}
	cols, missing := mapColumns(header)
	if len(missing) > 0 {
		c.Close()
		return nil, &FormatError{Path: path, Missing: missing}
	}
	c.cols = cols
	return c, nil
}

func mapColumns(header []string) (map[string]int, []string) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	cols := make(map[string]int)
	var missing []string
	for _, name := range Required {
		if i, ok := index[name]; ok {
			cols[name] = i
			continue
		}
		found := false
		for _, alt := range aliases[name] {
			if i, ok := index[alt]; ok {
				cols[name] = i
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	for _, name := range []string{ColFullText, ColID} {
		if i, ok := index[name]; ok {
			cols[name] = i
		}
	}
	return cols, missing
}

// Next advances to the next valid record. Rows without a usable date or
// without institution and title are skipped and counted in Skipped.
func (c *Cursor) Next() bool {
	if c.err != nil || c.rows == nil {
		return false
	}
	for c.rows.Next() {
		c.row++
		cells, err := c.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			c.err = &FormatError{Path: c.path, Err: fmt.Errorf("row %d: %w", c.row, err)}
			return false
		}
		if blank(cells) {
			continue
		}
		rec, ok := c.record(cells)
		if !ok {
			c.Skipped++
			continue
		}
		c.rec = rec
		return true
	}
	if err := c.rows.Error(); err != nil {
		c.err = &FormatError{Path: c.path, Err: err}
	}
	return false
}

// Record returns the record Next advanced to.
func (c *Cursor) Record() listing.Record { return c.rec }

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the file.
func (c *Cursor) Close() error {
	if c.rows != nil {
		_ = c.rows.Close()
		c.rows = nil
	}
	if c.book != nil {
		_ = c.book.Close()
		c.book = nil
	}
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}

func (c *Cursor) cell(cells []string, col string) string {
	i, ok := c.cols[col]
	if !ok || i >= len(cells) {
		return ""
	}
	return cells[i]
}

func (c *Cursor) record(cells []string) (listing.Record, bool) {
	posted, ok := parseDate(c.cell(cells, ColDate), c.date1904)
	if !ok {
		return listing.Record{}, false
	}
	inst := Normalize(c.cell(cells, ColInstitution))
	title := Normalize(c.cell(cells, ColTitle))
	if inst == "" && title == "" {
		return listing.Record{}, false
	}

	r := listing.Record{
		Key:          c.key,
		Institution:  inst,
		Title:        title,
		OpeningCount: OpeningCount(title, c.cell(cells, ColFullText)),
		PostedDate:   posted,
		SourceRow:    c.row,
	}
	if id := Normalize(c.cell(cells, ColID)); id != "" {
		r.NaturalKey = "id:" + id
	} else {
		r.NaturalKey = strings.Join([]string{inst, title, posted.Format("2006-01-02")}, "|")
	}
	r.Hash = Hash(r)
	return r, true
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseDate(raw string, date1904 bool) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, date1904)
		if err != nil {
			return time.Time{}, false
		}
		return dateOnly(t), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return dateOnly(t), true
		}
	}
	return time.Time{}, false
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var cleaner = transform.Chain(
	norm.NFKC,
	runes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}),
	runes.Remove(runes.In(unicode.Cc)),
)

// Normalize applies NFKC, drops control characters and collapses runs of
// whitespace.
func Normalize(s string) string {
	out, _, err := transform.String(cleaner, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

// Hash fingerprints the normalized content of a record. Row position and
// download time are not part of it, so re-downloading identical content
// yields identical hashes.
func Hash(r listing.Record) string {
	h := sha256.New()
	for _, f := range []string{
		strconv.Itoa(r.Key.Period),
		r.Key.Category,
		r.NaturalKey,
		r.Institution,
		r.Title,
		strconv.Itoa(r.OpeningCount),
		r.PostedDate.Format("2006-01-02"),
	} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseFile reads every record of the file at path. A FormatError anywhere
// in the file discards all of its records.
func (p *Parser) ParseFile(key listing.Key, path string) ([]listing.Record, error) {
	c, err := p.Open(key, path)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out []listing.Record
	for c.Next() {
		out = append(out, c.Record())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 && c.Skipped > 0 {
		return nil, &FormatError{Path: path, Err: fmt.Errorf("none of %d data rows is usable", c.Skipped)}
	}
	if c.Skipped > 0 {
		p.log.Warn("parse: skipped rows without a usable date",
			zap.String("path", path), zap.Int("skipped", c.Skipped))
	}
	p.log.Info("parse: file parsed",
		zap.String("key", key.String()),
		zap.Int("postings", len(out)),
		zap.Int("openings", listing.Dataset{Records: out}.Openings()))
	return out, nil
}

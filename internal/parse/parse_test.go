package parse

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

var key = listing.Key{Period: 2024, Category: "1"}

var standardHeader = []interface{}{"jp_id", "Date_Active", "jp_section", "jp_institution", "jp_title", "jp_full_text"}

func writeSheet(t *testing.T, fs afero.Fs, path string, rows ...[]interface{}) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := row
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func newParser(t *testing.T) (*Parser, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs, zaptest.NewLogger(t)), fs
}

func TestParseFile(t *testing.T) {
	p, fs := newParser(t)
	writeSheet(t, fs, "/joe.xlsx",
		standardHeader,
		[]interface{}{"101", "2024-08-05", "1", "  Example   University ", "Assistant Professor (3 positions)", ""},
		[]interface{}{"", 45509.0, "1", "Sample College", "Lecturer", "We have 2 openings in applied micro."},
		[]interface{}{"103", "not a date", "1", "Broken Date Inc", "Economist", ""},
		[]interface{}{"104", "08/06/2024", "1", "Third Institute", "Postdoc", ""},
	)

	recs, err := p.ParseFile(key, "/joe.xlsx")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	first := recs[0]
	assert.Equal(t, key, first.Key)
	assert.Equal(t, "Example University", first.Institution)
	assert.Equal(t, 3, first.OpeningCount)
	assert.Equal(t, "id:101", first.NaturalKey)
	assert.Equal(t, time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC), first.PostedDate)
	assert.Equal(t, 1, first.SourceRow)
	assert.Len(t, first.Hash, 64)

	second := recs[1]
	assert.Equal(t, time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC), second.PostedDate)
	assert.Equal(t, "Sample College|Lecturer|2024-08-05", second.NaturalKey)
	assert.Equal(t, 2, second.OpeningCount)

	third := recs[2]
	assert.Equal(t, "Third Institute", third.Institution)
	assert.Equal(t, 4, third.SourceRow)
	assert.Equal(t, time.Date(2024, 8, 6, 0, 0, 0, 0, time.UTC), third.PostedDate)
}

func TestParseCursorCountsSkippedRows(t *testing.T) {
	p, fs := newParser(t)
	writeSheet(t, fs, "/joe.xlsx",
		standardHeader,
		[]interface{}{"1", "", "1", "A", "B", ""},
		[]interface{}{"2", "yesterday", "1", "C", "D", ""},
		[]interface{}{"3", "2024-09-01", "1", "E", "F", ""},
	)

	c, err := p.Open(key, "/joe.xlsx")
	require.NoError(t, err)
	defer c.Close()

	var got []string
	for c.Next() {
		got = append(got, c.Record().Institution)
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []string{"E"}, got)
	assert.Equal(t, 2, c.Skipped)
}

func TestParseAlternativeHeaders(t *testing.T) {
	p, fs := newParser(t)
	writeSheet(t, fs, "/old.xlsx",
		[]interface{}{"DateActive", "section", "Institution", "Title"},
		[]interface{}{"2021-10-01", "5", "Old School", "Professor"},
	)

	recs, err := p.ParseFile(listing.Key{Period: 2021, Category: "5"}, "/old.xlsx")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Old School", recs[0].Institution)
	assert.Equal(t, 1, recs[0].OpeningCount)
}

func TestParseFormatErrors(t *testing.T) {
	p, fs := newParser(t)
	writeSheet(t, fs, "/missing.xlsx",
		[]interface{}{"Date_Active", "jp_title"},
		[]interface{}{"2024-08-05", "Professor"},
	)
	require.NoError(t, afero.WriteFile(fs, "/garbage.xlsx", []byte("<html>session expired</html>"), 0o644))

	t.Run("missing columns", func(t *testing.T) {
		recs, err := p.ParseFile(key, "/missing.xlsx")
		var fe *FormatError
		require.True(t, errors.As(err, &fe), "got %v", err)
		assert.Equal(t, []string{ColSection, ColInstitution}, fe.Missing)
		assert.Nil(t, recs)
	})

	t.Run("not a spreadsheet", func(t *testing.T) {
		_, err := p.ParseFile(key, "/garbage.xlsx")
		var fe *FormatError
		require.True(t, errors.As(err, &fe), "got %v", err)
		assert.Equal(t, "/garbage.xlsx", fe.Path)
	})

	t.Run("every data row unusable", func(t *testing.T) {
		writeSheet(t, fs, "/baddates.xlsx",
			standardHeader,
			[]interface{}{"1", "Sept 3rd", "1", "Example University", "Professor", ""},
			[]interface{}{"2", "2024-08-05", "1", "", "", ""},
		)
		recs, err := p.ParseFile(key, "/baddates.xlsx")
		var fe *FormatError
		require.True(t, errors.As(err, &fe), "got %v", err)
		assert.Nil(t, recs)
	})

	t.Run("header only is an empty file", func(t *testing.T) {
		writeSheet(t, fs, "/empty.xlsx", standardHeader)
		recs, err := p.ParseFile(key, "/empty.xlsx")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("missing file is not a format error", func(t *testing.T) {
		_, err := p.ParseFile(key, "/nope.xlsx")
		require.Error(t, err)
		var fe *FormatError
		assert.False(t, errors.As(err, &fe))
	})
}

func TestParseIsDeterministic(t *testing.T) {
	p, fs := newParser(t)
	rows := [][]interface{}{standardHeader}
	for i := 0; i < 20; i++ {
		rows = append(rows, []interface{}{fmt.Sprint(i), "2024-08-05", "1", fmt.Sprintf("Univ %d", i), "Professor", ""})
	}
	writeSheet(t, fs, "/a.xlsx", rows...)

	first, err := p.ParseFile(key, "/a.xlsx")
	require.NoError(t, err)
	second, err := p.ParseFile(key, "/a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashIgnoresRowPosition(t *testing.T) {
	p, fs := newParser(t)
	a := []interface{}{"1", "2024-08-05", "1", "A", "Professor", ""}
	b := []interface{}{"2", "2024-08-06", "1", "B", "Lecturer", ""}
	writeSheet(t, fs, "/one.xlsx", standardHeader, a, b)
	writeSheet(t, fs, "/two.xlsx", standardHeader, b, a)

	one, err := p.ParseFile(key, "/one.xlsx")
	require.NoError(t, err)
	two, err := p.ParseFile(key, "/two.xlsx")
	require.NoError(t, err)

	assert.Equal(t, one[0].Hash, two[1].Hash)
	assert.Equal(t, one[1].Hash, two[0].Hash)
	assert.NotEqual(t, one[0].Hash, one[1].Hash)
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  plain  ":                 "plain",
		"tab\tand\nnewline":         "tab and newline",
		"ｆｕｌｌｗｉｄｔｈ":                 "fullwidth",
		"bell\x07char":              "bellchar",
		"Université  de  Montréal ": "Université de Montréal",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "%q", in)
	}
}

func TestOpeningCount(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		fullText string
		want     int
	}{
		{name: "plain title", title: "Assistant Professor", want: 1},
		{name: "parenthesised count", title: "Assistant Professor (3 positions)", want: 3},
		{name: "tenure track count", title: "2 Tenure-Track Positions in Economics", want: 2},
		{name: "number word", title: "Two Assistant Professors", want: 2},
		{name: "several", title: "Several Lecturers", want: 3},
		{name: "capped", title: "Professor (25 positions)", want: 10},
		{name: "zero is one", title: "Professor (0 positions)", want: 1},
		{name: "full text", title: "Assistant Professor", fullText: "We have 4 openings this year.", want: 4},
		{name: "title wins over text", title: "Professor (2 positions)", fullText: "we have 5 openings", want: 2},
		{name: "text word", title: "Economist", fullText: "We are three economists short", want: 3},
		{
			name:     "text beyond scope ignored",
			title:    "Economist",
			fullText: strings.Repeat("lorem ", 200) + "we have 6 openings",
			want:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OpeningCount(tt.title, tt.fullText))
		})
	}
}

package listing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileName(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{Period: 2024, Category: "1"}, "joe_2024_US_Full-Time_Academic.xlsx"},
		{Key{Period: 2023, Category: "5"}, "joe_2023_International_Full-Time_Academic.xlsx"},
		{Key{Period: 2025, Category: AllSections}, "joe_2025_all.xlsx"},
		{Key{Period: 2020, Category: "99"}, "joe_2020_99.xlsx"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.FileName())
		})
	}
}

func TestKeyOrdering(t *testing.T) {
	keys := []Key{
		{2024, "10"},
		{2023, "5"},
		{2024, "9"},
		{2024, AllSections},
		{2024, "1"},
	}
	SortKeys(keys)
	assert.Equal(t, []Key{
		{2023, "5"},
		{2024, "1"},
		{2024, "9"},
		{2024, "10"},
		{2024, AllSections},
	}, keys)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("2024_1")
	require.NoError(t, err)
	assert.Equal(t, Key{Period: 2024, Category: "1"}, k)
	assert.Equal(t, "2024_1", k.String())

	_, err = ParseKey("2024")
	assert.Error(t, err)
	_, err = ParseKey("abc_1")
	assert.Error(t, err)
}

func TestRecent(t *testing.T) {
	got := Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, 2025, got[0].Year)
	assert.Equal(t, 2024, got[1].Year)

	assert.Len(t, Recent(0), len(Periods))
	assert.Len(t, Recent(100), len(Periods))
}

func TestIsCanonicalName(t *testing.T) {
	assert.True(t, IsCanonicalName("joe_2024_US_Full-Time_Academic.xlsx"))
	assert.True(t, IsCanonicalName("joe_2019_all.xlsx"))
	assert.False(t, IsCanonicalName("joe_2023_all_sections.xlsx"))
	assert.False(t, IsCanonicalName("download_metadata.json"))
}

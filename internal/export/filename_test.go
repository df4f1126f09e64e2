package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileName(t *testing.T) {
	since := time.Date(2026, 5, 4, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	until := since.Add(24 * time.Hour)

	tests := []struct {
		name  string
		id    string
		since time.Time
		until time.Time
		want  string
	}{
		{"plain", "BATT_DEFAULT", time.Time{}, time.Time{}, "readings_BATT_DEFAULT.parquet"},
		{"all batteries", "", since, time.Time{}, "readings_all_20260504T080000Z.parquet"},
		{"range", "B1", since, until, "readings_B1_20260504T080000Z_20260505T080000Z.parquet"},
		{"unsafe id", "../van pack/#2", time.Time{}, time.Time{}, "readings_van_pack_2.parquet"},
		{"only unsafe", "///", time.Time{}, time.Time{}, "readings_all.parquet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.id, tt.since, tt.until))
		})
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "readings_B1.parquet"), ResolvePath(dir, "B1", time.Time{}, time.Time{}))

	file := filepath.Join(dir, "feed.parquet")
	assert.Equal(t, file, ResolvePath(file, "B1", time.Time{}, time.Time{}))
}

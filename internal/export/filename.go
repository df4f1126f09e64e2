package export

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxNameLen = 96

// safeName reduces s to ASCII letters, digits, '.', '_' and '-', folding
// runs of anything else into one underscore.
func safeName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	return strings.Trim(b.String(), "._")
}

// FileName returns the default export name for a battery and time range,
// e.g. readings_BATT_DEFAULT_20260504T080000Z.parquet.
func FileName(batteryID string, since, until time.Time) string {
	parts := []string{"readings"}
	if id := safeName(batteryID); id != "" {
		parts = append(parts, id)
	} else {
		parts = append(parts, "all")
	}
	for _, t := range []time.Time{since, until} {
		if !t.IsZero() {
			parts = append(parts, t.UTC().Format("20060102T150405Z"))
		}
	}
	return strings.Join(parts, "_") + ".parquet"
}

// ResolvePath returns out unchanged unless it names an existing
// directory, in which case the default file name is joined onto it.
func ResolvePath(out, batteryID string, since, until time.Time) string {
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, FileName(batteryID, since, until))
	}
	return out
}

// Package ingest turns sensor lines into queued raw samples.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
)

var (
	// ErrSkipLine marks lines that carry no sample, such as blanks,
	// comments and CSV headers.
	ErrSkipLine = errors.New("line carries no sample")
	ErrBadLine  = errors.New("unparseable sensor line")
)

// ParseLine parses one sensor line. Two formats are accepted:
//
//	B1,12.43,-2.10[,1714809600000]
//	{"batteryId":"B1","voltage_V":12.43,"current_A":-2.1,"timestamp":"2024-05-04T08:00:00Z"}
//
// JSON may give current_mA instead of current_A, batteryName instead of
// batteryId, and the timestamp as epoch milliseconds. Missing numeric
// fields come back as NaN and a missing timestamp as the zero time; the
// pipeline decides what to do with them.
func ParseLine(line string) (battery.RawSample, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "", strings.HasPrefix(line, "#"):
		return battery.RawSample{}, ErrSkipLine
	case strings.HasPrefix(line, "{"):
		return parseJSON(line)
	default:
		return parseCSV(line)
	}
}

func parseCSV(line string) (battery.RawSample, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 || len(fields) > 4 {
		return battery.RawSample{}, fmt.Errorf("%w: want 3 or 4 fields, got %d", ErrBadLine, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	v, errV := strconv.ParseFloat(fields[1], 64)
	a, errA := strconv.ParseFloat(fields[2], 64)
	if errV != nil && errA != nil {
		// Both numeric columns are text: a header row.
		return battery.RawSample{}, ErrSkipLine
	}
	if errV != nil {
		return battery.RawSample{}, fmt.Errorf("%w: voltage %q", ErrBadLine, fields[1])
	}
	if errA != nil {
		return battery.RawSample{}, fmt.Errorf("%w: current %q", ErrBadLine, fields[2])
	}

	s := battery.RawSample{BatteryID: fields[0], VoltageV: v, CurrentA: a}
	if len(fields) == 4 && fields[3] != "" {
		ts, err := parseTimestamp(fields[3])
		if err != nil {
			return battery.RawSample{}, err
		}
		s.Timestamp = ts
	}
	return s, nil
}

type jsonLine struct {
	BatteryID   string          `json:"batteryId"`
	BatteryName string          `json:"batteryName"`
	VoltageV    *float64        `json:"voltage_V"`
	CurrentA    *float64        `json:"current_A"`
	CurrentMA   *float64        `json:"current_mA"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

func parseJSON(line string) (battery.RawSample, error) {
	var in jsonLine
	dec := json.NewDecoder(strings.NewReader(line))
	if err := dec.Decode(&in); err != nil {
		return battery.RawSample{}, fmt.Errorf("%w: %v", ErrBadLine, err)
	}

	s := battery.RawSample{
		BatteryID: in.BatteryID,
		VoltageV:  math.NaN(),
		CurrentA:  math.NaN(),
	}
	if s.BatteryID == "" {
		s.BatteryID = in.BatteryName
	}
	if in.VoltageV != nil {
		s.VoltageV = *in.VoltageV
	}
	switch {
	case in.CurrentA != nil:
		s.CurrentA = *in.CurrentA
	case in.CurrentMA != nil:
		s.CurrentA = *in.CurrentMA / 1000
	}

	raw := bytes.TrimSpace(in.Timestamp)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		text := string(raw)
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &text); err != nil {
				return battery.RawSample{}, fmt.Errorf("%w: timestamp: %v", ErrBadLine, err)
			}
		}
		ts, err := parseTimestamp(text)
		if err != nil {
			return battery.RawSample{}, err
		}
		s.Timestamp = ts
	}
	return s, nil
}

// parseTimestamp accepts epoch milliseconds or RFC 3339.
func parseTimestamp(text string) (time.Time, error) {
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadLine, text)
}

package energy

import (
	"encoding/json"
	"fmt"

	"github.com/dokzlo13/meterd/internal/device"
)

// UsageHistoryKey is the snapshot key holding the rolling usage window.
const UsageHistoryKey = "usage_history"

// Window is the rolling usage history reported by a device: up to two day
// records, each holding 24 hourly cumulative counters in milli-units
// (index 0 is hour 0 UTC). The first record is the current UTC day, the
// optional second one the day after it.
type Window [][]float64

// WindowFromSnapshot extracts the usage window from a snapshot. A missing or
// malformed window yields an empty one.
func WindowFromSnapshot(s device.Snapshot) Window {
	raw, ok := s[UsageHistoryKey]
	if !ok {
		return nil
	}
	w, err := ParseWindow(raw)
	if err != nil {
		return nil
	}
	return w
}

// ParseWindow accepts the shapes devices report: a list of records that are
// either {"data": "<json array>"}, {"data": [..]} or a bare array.
func ParseWindow(raw any) (Window, error) {
	records, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("usage history is %T, want a list", raw)
	}

	w := make(Window, 0, len(records))
	for i, rec := range records {
		if len(w) == 2 {
			break
		}
		day, err := parseDay(rec)
		if err != nil {
			return nil, fmt.Errorf("usage history[%d]: %w", i, err)
		}
		w = append(w, day)
	}
	return w, nil
}

func parseDay(rec any) ([]float64, error) {
	if m, ok := rec.(map[string]any); ok {
		data, ok := m["data"]
		if !ok {
			return nil, fmt.Errorf("record has no data")
		}
		rec = data
	}

	switch v := rec.(type) {
	case string:
		var day []float64
		if err := json.Unmarshal([]byte(v), &day); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		return day, nil
	case []float64:
		return v, nil
	case []any:
		day := make([]float64, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("hour %d is %T, want a number", i, x)
			}
			day[i] = f
		}
		return day, nil
	default:
		return nil, fmt.Errorf("data is %T, want an array", rec)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// readings returns the counters for the hour before nowHour and for nowHour,
// scaled to whole units. ok is false when the window cannot supply them.
func (w Window) readings(nowHour int) (past, current float64, ok bool) {
	if len(w) == 0 || nowHour < 0 || nowHour > 23 {
		return 0, 0, false
	}
	today := w[0]

	if nowHour == 0 {
		if len(today) < 24 {
			return 0, 0, false
		}
		past = today[23] / 1000
		if len(w) > 1 {
			if len(w[1]) < 1 {
				return 0, 0, false
			}
			current = w[1][0] / 1000
		}
		return past, current, true
	}

	if len(today) <= nowHour {
		return 0, 0, false
	}
	return today[nowHour-1] / 1000, today[nowHour] / 1000, true
}

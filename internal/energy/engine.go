// Package energy reconstructs a monotonically increasing lifetime energy
// total from the rolling per-hour counters a smart plug reports.
package energy

import "math"

// State is the reconstruction state for one device.
type State struct {
	Seeded                 bool    `json:"seeded"`
	PreviousHour           int     `json:"previous_hour"`
	PreviousValue          float64 `json:"previous_value"`
	PastHoursPreviousValue float64 `json:"past_hours_previous_value"`
	Total                  float64 `json:"total"`
}

// NewState returns an unseeded state starting from a restored total.
func NewState(total float64) State {
	return State{Total: total}
}

// Ingest folds one usage window observed at UTC hour nowHour into s and
// returns the new state with the amount added to the total. It never
// decreases the total: counter regressions contribute zero.
func Ingest(s State, w Window, nowHour int) (State, float64) {
	past, current, ok := w.readings(nowHour)
	if !ok {
		return s, 0
	}

	if !s.Seeded {
		s.Seeded = true
		s.PreviousHour = nowHour
		s.PastHoursPreviousValue = past
		s.PreviousValue = current
		return s, 0
	}

	var added float64
	if nowHour != s.PreviousHour {
		// New hour: settle the final value of the hour we were tracking,
		// then start counting the new one from zero.
		if past > s.PreviousValue {
			added = past - s.PreviousValue
		}
		added += current
		s.PreviousValue = current
		s.PreviousHour = nowHour
		s.PastHoursPreviousValue = past
	} else {
		if current > s.PreviousValue {
			added += round3(current - s.PreviousValue)
			s.PreviousValue = current
		}
		if past > s.PastHoursPreviousValue {
			added += round3(past - s.PastHoursPreviousValue)
			s.PastHoursPreviousValue = past
		}
	}

	s.Total += added
	return s, added
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

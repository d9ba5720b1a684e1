package energy

import (
	"math"
	"math/rand"
	"testing"
)

const epsilon = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// day returns a 24-hour record with the given milli-unit values set.
func day(values map[int]float64) []float64 {
	d := make([]float64, 24)
	for h, v := range values {
		d[h] = v
	}
	return d
}

func TestIngest_EmptyWindowIsNoop(t *testing.T) {
	states := []State{
		NewState(0),
		{Seeded: true, PreviousHour: 5, PreviousValue: 1.2, PastHoursPreviousValue: 0.7, Total: 42},
	}
	for _, s := range states {
		for _, w := range []Window{nil, {}} {
			got, added := Ingest(s, w, 5)
			if added != 0 {
				t.Errorf("added = %v, want 0", added)
			}
			if got != s {
				t.Errorf("state changed: %+v -> %+v", s, got)
			}
		}
	}
}

func TestIngest_FirstTickSeeds(t *testing.T) {
	w := Window{day(map[int]float64{4: 700, 5: 1200})}

	got, added := Ingest(NewState(10), w, 5)
	if added != 0 {
		t.Errorf("added = %v, want 0", added)
	}
	want := State{Seeded: true, PreviousHour: 5, PreviousValue: 1.2, PastHoursPreviousValue: 0.7, Total: 10}
	if got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}
}

func TestIngest_MidnightRollover(t *testing.T) {
	w := Window{day(map[int]float64{23: 100}), day(map[int]float64{0: 5})}

	got, _ := Ingest(NewState(0), w, 0)
	if got.PastHoursPreviousValue != 0.1 {
		t.Errorf("past hours value = %v, want 0.1", got.PastHoursPreviousValue)
	}
	if got.PreviousValue != 0.005 {
		t.Errorf("current value = %v, want 0.005", got.PreviousValue)
	}

	// Without the next day record the current value is zero.
	got, _ = Ingest(NewState(0), Window{day(map[int]float64{23: 100})}, 0)
	if got.PreviousValue != 0 {
		t.Errorf("current value without next day = %v, want 0", got.PreviousValue)
	}
}

func TestIngest_SameHourAccumulation(t *testing.T) {
	s, _ := Ingest(NewState(0), Window{day(map[int]float64{5: 1000})}, 5)

	s, first := Ingest(s, Window{day(map[int]float64{5: 1200})}, 5)
	s, second := Ingest(s, Window{day(map[int]float64{5: 1500})}, 5)

	if first != 0.2 {
		t.Errorf("first delta = %v, want 0.2", first)
	}
	if second != 0.3 {
		t.Errorf("second delta = %v, want 0.3", second)
	}
	if !approx(first+second, 0.5) || !approx(s.Total, 0.5) {
		t.Errorf("deltas sum to %v, total %v, want 0.5", first+second, s.Total)
	}
}

func TestIngest_SameHourPastCorrection(t *testing.T) {
	s, _ := Ingest(NewState(0), Window{day(map[int]float64{4: 700, 5: 100})}, 5)

	// The device revises the previous hour after the boundary was crossed.
	s, added := Ingest(s, Window{day(map[int]float64{4: 750, 5: 100})}, 5)
	if added != 0.05 {
		t.Errorf("added = %v, want 0.05", added)
	}
	if s.PastHoursPreviousValue != 0.75 {
		t.Errorf("past hours previous value = %v, want 0.75", s.PastHoursPreviousValue)
	}
}

func TestIngest_RegressionClamp(t *testing.T) {
	s, _ := Ingest(NewState(0), Window{day(map[int]float64{4: 700, 5: 1500})}, 5)
	before := s.Total

	s, added := Ingest(s, Window{day(map[int]float64{4: 300, 5: 1000})}, 5)
	if added != 0 {
		t.Errorf("added = %v, want 0", added)
	}
	if s.Total != before {
		t.Errorf("total = %v, want %v", s.Total, before)
	}
	if s.PreviousValue != 1.5 || s.PastHoursPreviousValue != 0.7 {
		t.Errorf("references moved on regression: %+v", s)
	}
}

func TestIngest_NewHour(t *testing.T) {
	s, _ := Ingest(NewState(0), Window{day(map[int]float64{5: 1200})}, 5)

	// Hour 5 finished at 1.5, hour 6 already shows 0.3.
	s, added := Ingest(s, Window{day(map[int]float64{5: 1500, 6: 300})}, 6)
	if !approx(added, 0.6) {
		t.Errorf("added = %v, want 0.6", added)
	}
	want := State{Seeded: true, PreviousHour: 6, PreviousValue: 0.3, PastHoursPreviousValue: 1.5}
	want.Total = s.Total
	if s != want {
		t.Errorf("state = %+v, want %+v", s, want)
	}

	// A stale final value for the tracked hour only contributes the new hour.
	s, added = Ingest(s, Window{day(map[int]float64{6: 200, 7: 100})}, 7)
	if !approx(added, 0.1) {
		t.Errorf("added after regression = %v, want 0.1", added)
	}
}

func TestIngest_NewHourAcrossMidnight(t *testing.T) {
	s, _ := Ingest(NewState(0), Window{day(map[int]float64{23: 400})}, 23)

	s, added := Ingest(s, Window{day(map[int]float64{23: 900}), day(map[int]float64{0: 50})}, 0)
	if !approx(added, 0.55) {
		t.Errorf("added = %v, want 0.55", added)
	}
	if s.PreviousHour != 0 {
		t.Errorf("previous hour = %d, want 0", s.PreviousHour)
	}
}

func TestIngest_MalformedWindowIsNoop(t *testing.T) {
	s := State{Seeded: true, PreviousHour: 5, PreviousValue: 1, Total: 3}
	got, added := Ingest(s, Window{{1, 2}}, 5)
	if added != 0 || got != s {
		t.Errorf("Ingest on short record = (%+v, %v), want unchanged", got, added)
	}
}

func TestIngest_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewState(0)
	hour := 0
	prev := s.Total

	for i := 0; i < 5000; i++ {
		if rng.Intn(4) == 0 {
			hour = (hour + 1) % 24
		}
		var w Window
		if rng.Intn(10) > 0 {
			days := 1 + rng.Intn(2)
			for d := 0; d < days; d++ {
				rec := make([]float64, 24)
				for h := range rec {
					rec[h] = float64(rng.Intn(3000))
				}
				w = append(w, rec)
			}
		}

		var added float64
		s, added = Ingest(s, w, hour)
		if added < 0 {
			t.Fatalf("step %d: negative delta %v", i, added)
		}
		if s.Total < prev {
			t.Fatalf("step %d: total decreased %v -> %v", i, prev, s.Total)
		}
		prev = s.Total
	}
}

func TestRound3(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.19999999999999996, 0.2},
		{0.0004, 0},
		{0.0006, 0.001},
		{1.23456, 1.235},
	}
	for _, tt := range tests {
		if got := round3(tt.in); got != tt.want {
			t.Errorf("round3(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package scheduler

import (
	"errors"
	"testing"
	"time"

	"mediastream/internal/domain"
)

type fakeHandle struct {
	units        int
	have         map[int]bool
	tiers        []domain.Priority
	deadlines    map[int]time.Duration
	setPrioCalls int
	prioErr      error
}

func newFakeHandle(units int) *fakeHandle {
	return &fakeHandle{units: units, have: map[int]bool{}, deadlines: map[int]time.Duration{}}
}

func (f *fakeHandle) Fingerprint() domain.Fingerprint {
	return "0123456789abcdef0123456789abcdef01234567"
}
func (f *fakeHandle) Status() domain.FetchStatus { return domain.FetchStatus{HasMetadata: f.units > 0} }
func (f *fakeHandle) Files() []domain.FileRef    { return nil }
func (f *fakeHandle) NumUnits() int              { return f.units }
func (f *fakeHandle) UnitSize() int64            { return 1 << 20 }
func (f *fakeHandle) HaveUnit(i int) bool        { return f.have[i] }
func (f *fakeHandle) Remove(bool) error          { return nil }

func (f *fakeHandle) SetPriorities(tiers []domain.Priority) error {
	f.setPrioCalls++
	if f.prioErr != nil {
		return f.prioErr
	}
	f.tiers = append([]domain.Priority(nil), tiers...)
	f.deadlines = map[int]time.Duration{}
	return nil
}

func (f *fakeHandle) SetDeadline(unit int, d time.Duration) error {
	f.deadlines[unit] = d
	return nil
}

func TestTargetUnit(t *testing.T) {
	tests := []struct {
		pos  float64
		n    int
		want int
	}{
		{0, 100, 0},
		{0.5, 100, 50},
		{0.999, 100, 99},
		{1.5, 100, 99},
		{-1, 100, 0},
		{0.37, 1000, 370},
		{0.5, 0, 0},
	}
	for _, tc := range tests {
		if got := TargetUnit(tc.pos, tc.n); got != tc.want {
			t.Fatalf("TargetUnit(%v, %d) = %d, want %d", tc.pos, tc.n, got, tc.want)
		}
	}
}

func TestPlanZones(t *testing.T) {
	cfg := DefaultConfig()
	plan := cfg.Plan(1000, 0.5)

	if plan.Target != 500 {
		t.Fatalf("target = %d, want 500", plan.Target)
	}
	checks := []struct {
		unit     int
		tier     domain.Priority
		deadline time.Duration
	}{
		{499, domain.PriorityMax, 100 * time.Millisecond},
		{500, domain.PriorityMax, 100 * time.Millisecond},
		{501, domain.PriorityMax, 100 * time.Millisecond},
		{502, domain.PriorityHigh, 500 * time.Millisecond},
		{493, domain.PriorityHigh, 500 * time.Millisecond},
		{507, domain.PriorityHigh, 500 * time.Millisecond},
		{508, domain.PriorityElevated, 2000 * time.Millisecond},
		{557, domain.PriorityElevated, 2000 * time.Millisecond},
		{558, domain.PriorityLow, 0},
		{492, domain.PriorityLow, 0},
		{5, domain.PriorityHigh, 0},
		{100, domain.PriorityModerate, 0},
		{900, domain.PriorityModerate, 0},
		{950, domain.PriorityLow, 0},
	}
	for _, c := range checks {
		if got := plan.Tiers[c.unit]; got != c.tier {
			t.Errorf("unit %d tier = %s, want %s", c.unit, got, c.tier)
		}
		got, ok := plan.Deadlines[c.unit]
		if c.deadline == 0 {
			if ok {
				t.Errorf("unit %d has deadline %v, want none", c.unit, got)
			}
			continue
		}
		if got != c.deadline {
			t.Errorf("unit %d deadline = %v, want %v", c.unit, got, c.deadline)
		}
	}
}

func TestPlanTightestDeadlineAtTarget(t *testing.T) {
	cfg := DefaultConfig()
	for _, tc := range []struct {
		n   int
		pos float64
	}{
		{1000, 0.5},
		{1000, 0},
		{1000, 0.999},
		{37, 0.42},
		{3, 0.9},
	} {
		plan := cfg.Plan(tc.n, tc.pos)
		want := int(tc.pos * float64(tc.n))
		var minDeadline time.Duration
		for _, d := range plan.Deadlines {
			if minDeadline == 0 || d < minDeadline {
				minDeadline = d
			}
		}
		if plan.Deadlines[want] != minDeadline {
			t.Fatalf("n=%d pos=%v: target unit %d deadline %v, tightest %v", tc.n, tc.pos, want, plan.Deadlines[want], minDeadline)
		}
		if plan.Tiers[want] != domain.PriorityMax {
			t.Fatalf("n=%d pos=%v: target unit tier = %s", tc.n, tc.pos, plan.Tiers[want])
		}
	}
}

func TestPlanHeadUnitsAlwaysHigh(t *testing.T) {
	plan := DefaultConfig().Plan(1000, 0.9)
	for i := 0; i < 20; i++ {
		if plan.Tiers[i] < domain.PriorityHigh {
			t.Fatalf("head unit %d tier = %s", i, plan.Tiers[i])
		}
	}
	if plan.Tiers[20] >= domain.PriorityHigh {
		t.Fatalf("unit 20 tier = %s, want below high", plan.Tiers[20])
	}
}

func TestSamplePoints(t *testing.T) {
	got := DefaultConfig().SamplePoints(1000)
	want := []int{0, 100, 200, 300, 400, 500, 600, 700, 800, 900}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	small := DefaultConfig().SamplePoints(5)
	for i := 1; i < len(small); i++ {
		if small[i] == small[i-1] {
			t.Fatalf("duplicate sample points: %v", small)
		}
	}
}

func TestInitialPlanWidensSamplePoints(t *testing.T) {
	plan := DefaultConfig().InitialPlan(1000)
	for _, u := range []int{298, 299, 300, 301, 302} {
		if plan.Tiers[u] != domain.PriorityElevated {
			t.Fatalf("unit %d tier = %s, want elevated", u, plan.Tiers[u])
		}
		if plan.Deadlines[u] != 2000*time.Millisecond {
			t.Fatalf("unit %d deadline = %v", u, plan.Deadlines[u])
		}
	}
	if plan.Tiers[0] != domain.PriorityMax || plan.Deadlines[0] != 100*time.Millisecond {
		t.Fatalf("unit 0 = %s/%v, want max/100ms", plan.Tiers[0], plan.Deadlines[0])
	}
	if plan.Tiers[303] != domain.PriorityLow {
		t.Fatalf("unit 303 tier = %s", plan.Tiers[303])
	}
}

func TestReconfigureReplacesAssignment(t *testing.T) {
	s := New(DefaultConfig(), nil)
	h := newFakeHandle(1000)

	if _, err := s.Reconfigure(h, 0.2); err != nil {
		t.Fatalf("first reconfigure: %v", err)
	}
	if _, ok := h.deadlines[200]; !ok {
		t.Fatal("expected deadline at unit 200")
	}

	if _, err := s.Reconfigure(h, 0.8); err != nil {
		t.Fatalf("second reconfigure: %v", err)
	}
	if h.setPrioCalls != 2 {
		t.Fatalf("SetPriorities calls = %d, want 2", h.setPrioCalls)
	}
	if _, ok := h.deadlines[200]; ok {
		t.Fatal("stale deadline from previous position survived")
	}
	if h.deadlines[800] != 100*time.Millisecond {
		t.Fatalf("unit 800 deadline = %v", h.deadlines[800])
	}
	if h.tiers[201] != domain.PriorityModerate && h.tiers[201] != domain.PriorityLow {
		t.Fatalf("unit 201 kept old tier %s", h.tiers[201])
	}
}

func TestReconfigureWithoutMetadata(t *testing.T) {
	s := New(DefaultConfig(), nil)
	h := newFakeHandle(0)
	_, err := s.Reconfigure(h, 0.5)
	if !errors.Is(err, domain.ErrMetadataUnavailable) {
		t.Fatalf("err = %v, want ErrMetadataUnavailable", err)
	}
	if h.setPrioCalls != 0 {
		t.Fatalf("SetPriorities called %d times", h.setPrioCalls)
	}
}

func TestReconfigurePropagatesEngineError(t *testing.T) {
	s := New(DefaultConfig(), nil)
	h := newFakeHandle(100)
	h.prioErr = errors.New("boom")
	if _, err := s.Reconfigure(h, 0.5); err == nil {
		t.Fatal("expected error")
	}
	if h.setPrioCalls != 1 {
		t.Fatalf("SetPriorities calls = %d, want exactly 1", h.setPrioCalls)
	}
}

func TestAvailability(t *testing.T) {
	s := New(DefaultConfig(), nil)

	t.Run("ultra unit ready", func(t *testing.T) {
		h := newFakeHandle(1000)
		h.have[501] = true
		a, err := s.Availability(h, 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if !a.ImmediatelyPlayable || a.Reason != ReasonUltraCritical {
			t.Fatalf("got %+v", a)
		}
	})

	t.Run("extended zone ratio", func(t *testing.T) {
		h := newFakeHandle(1000)
		// Extended zone [495,515) holds 20 units; 6 ready is exactly 30%.
		for _, u := range []int{495, 496, 497, 510, 511, 512} {
			h.have[u] = true
		}
		a, err := s.Availability(h, 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if !a.ImmediatelyPlayable || a.Reason != ReasonExtendedZone {
			t.Fatalf("got %+v", a)
		}
		if a.ReadyUnits != 6 || a.NeededUnits != 20 {
			t.Fatalf("ready/needed = %d/%d", a.ReadyUnits, a.NeededUnits)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		h := newFakeHandle(1000)
		h.have[495] = true
		a, err := s.Availability(h, 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if a.ImmediatelyPlayable || a.Reason != ReasonNotReady {
			t.Fatalf("got %+v", a)
		}
	})

	t.Run("zones clipped at file start", func(t *testing.T) {
		h := newFakeHandle(10)
		a, err := s.Availability(h, 0)
		if err != nil {
			t.Fatal(err)
		}
		if a.NeededUnits != 10 {
			t.Fatalf("needed = %d, want 10", a.NeededUnits)
		}
	})

	t.Run("no metadata", func(t *testing.T) {
		h := newFakeHandle(0)
		if _, err := s.Availability(h, 0.5); !errors.Is(err, domain.ErrMetadataUnavailable) {
			t.Fatalf("err = %v", err)
		}
	})
}

package scheduler

import (
	"math"
	"sort"
	"time"

	"mediastream/internal/domain"
)

// Plan is a complete tier assignment for every unit of a source plus the
// deadlines requested for units inside the urgent zones.
type Plan struct {
	Target    int
	Tiers     []domain.Priority
	Deadlines map[int]time.Duration
}

// DeadlineUnits returns the units that carry a deadline in ascending order.
func (p Plan) DeadlineUnits() []int {
	units := make([]int, 0, len(p.Deadlines))
	for u := range p.Deadlines {
		units = append(units, u)
	}
	sort.Ints(units)
	return units
}

// TargetUnit maps a playback position in [0,1) to a unit index.
func TargetUnit(position float64, numUnits int) int {
	if numUnits <= 0 {
		return 0
	}
	if math.IsNaN(position) || position < 0 {
		position = 0
	}
	target := int(math.Floor(position * float64(numUnits)))
	if target >= numUnits {
		target = numUnits - 1
	}
	return target
}

// SamplePoints returns unit indexes spread every SampleEvery of the file.
func (c Config) SamplePoints(numUnits int) []int {
	c = c.withDefaults()
	if numUnits <= 0 {
		return nil
	}
	var points []int
	last := -1
	for k := 0; ; k++ {
		frac := float64(k) * c.SampleEvery
		if frac >= 1-1e-9 {
			break
		}
		idx := int(math.Floor(frac * float64(numUnits)))
		if idx >= numUnits {
			break
		}
		if idx != last {
			points = append(points, idx)
			last = idx
		}
	}
	return points
}

// Plan builds the assignment for a playback position. Zones are applied
// tightest first and a unit only ever moves up in tier.
func (c Config) Plan(numUnits int, position float64) Plan {
	c = c.withDefaults()
	target := TargetUnit(position, numUnits)
	b := newPlanBuilder(numUnits, target)

	ultraLo, ultraHi := target-c.UltraBefore, target+c.UltraAfter
	b.raiseRange(ultraLo, ultraHi, domain.PriorityMax, c.UltraDeadline)

	critLo, critHi := target-c.CriticalBefore, target+c.CriticalAfter
	b.raiseRange(critLo, critHi, domain.PriorityHigh, c.CriticalDeadline)

	b.raiseRange(critHi, critHi+c.BufferUnits, domain.PriorityElevated, c.BufferDeadline)

	b.raiseRange(0, c.HeadUnits, domain.PriorityHigh, 0)

	for _, p := range c.SamplePoints(numUnits) {
		b.raise(p, domain.PriorityModerate, 0)
	}
	return b.plan
}

// InitialPlan is used once when metadata first arrives: the zones around the
// start of the file plus widened sample points so probes anywhere in the
// file find data quickly.
func (c Config) InitialPlan(numUnits int) Plan {
	c = c.withDefaults()
	plan := c.Plan(numUnits, 0)
	b := planBuilder{plan: plan}
	for _, p := range c.SamplePoints(numUnits) {
		b.raiseRange(p-c.InitialSampleRadius, p+c.InitialSampleRadius+1, domain.PriorityElevated, c.InitialSampleDeadline)
	}
	return b.plan
}

type planBuilder struct {
	plan Plan
}

func newPlanBuilder(numUnits, target int) *planBuilder {
	if numUnits < 0 {
		numUnits = 0
	}
	tiers := make([]domain.Priority, numUnits)
	for i := range tiers {
		tiers[i] = domain.PriorityLow
	}
	return &planBuilder{plan: Plan{
		Target:    target,
		Tiers:     tiers,
		Deadlines: make(map[int]time.Duration),
	}}
}

func (b *planBuilder) raiseRange(lo, hi int, tier domain.Priority, deadline time.Duration) {
	if lo < 0 {
		lo = 0
	}
	if hi > len(b.plan.Tiers) {
		hi = len(b.plan.Tiers)
	}
	for i := lo; i < hi; i++ {
		b.raise(i, tier, deadline)
	}
}

func (b *planBuilder) raise(unit int, tier domain.Priority, deadline time.Duration) {
	if unit < 0 || unit >= len(b.plan.Tiers) {
		return
	}
	if tier > b.plan.Tiers[unit] {
		b.plan.Tiers[unit] = tier
	}
	if deadline <= 0 {
		return
	}
	if cur, ok := b.plan.Deadlines[unit]; !ok || deadline < cur {
		b.plan.Deadlines[unit] = deadline
	}
}

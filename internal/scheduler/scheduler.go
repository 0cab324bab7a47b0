package scheduler

import (
	"fmt"
	"log/slog"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
)

const (
	ReasonUltraCritical = "ultra_critical"
	ReasonExtendedZone  = "extended_zone"
	ReasonNotReady      = "not_ready"
)

// Availability reports whether playback can start at a position without
// waiting for more units.
type Availability struct {
	ImmediatelyPlayable bool   `json:"immediatelyPlayable"`
	ReadyUnits          int    `json:"readyUnits"`
	NeededUnits         int    `json:"neededUnits"`
	Reason              string `json:"reason"`
	TargetUnit          int    `json:"targetUnit"`
	UltraReady          int    `json:"ultraReady"`
}

// Scheduler tells the fetch engine which units matter for the current
// playback position.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg.withDefaults(), logger: logger}
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Reconfigure replaces the priority assignment of h for a playback position
// in [0,1). Failures are returned to the caller and never retried here.
func (s *Scheduler) Reconfigure(h ports.FetchHandle, position float64) (Plan, error) {
	n := h.NumUnits()
	if n <= 0 {
		return Plan{}, domain.ErrMetadataUnavailable
	}
	plan := s.cfg.Plan(n, position)
	if err := s.apply(h, plan); err != nil {
		return Plan{}, err
	}
	metrics.SchedulerReconfiguresTotal.WithLabelValues("seek").Inc()
	s.logger.Debug("scheduler reconfigured",
		slog.String("fingerprint", h.Fingerprint().Short()),
		slog.Float64("position", position),
		slog.Int("targetUnit", plan.Target),
		slog.Int("deadlines", len(plan.Deadlines)),
	)
	return plan, nil
}

// InitialSetup prepares instant access right after metadata arrives.
func (s *Scheduler) InitialSetup(h ports.FetchHandle) (Plan, error) {
	n := h.NumUnits()
	if n <= 0 {
		return Plan{}, domain.ErrMetadataUnavailable
	}
	plan := s.cfg.InitialPlan(n)
	if err := s.apply(h, plan); err != nil {
		return Plan{}, err
	}
	metrics.SchedulerReconfiguresTotal.WithLabelValues("initial").Inc()
	s.logger.Info("initial priorities applied",
		slog.String("fingerprint", h.Fingerprint().Short()),
		slog.Int("units", n),
		slog.Int("deadlines", len(plan.Deadlines)),
	)
	return plan, nil
}

func (s *Scheduler) apply(h ports.FetchHandle, plan Plan) error {
	if err := h.SetPriorities(plan.Tiers); err != nil {
		return fmt.Errorf("set priorities: %w", err)
	}
	for _, unit := range plan.DeadlineUnits() {
		if err := h.SetDeadline(unit, plan.Deadlines[unit]); err != nil {
			return fmt.Errorf("set deadline for unit %d: %w", unit, err)
		}
	}
	return nil
}

// Availability counts ready units around the position. Playback can start
// when any unit of the ultra zone is ready or enough of the extended zone is.
func (s *Scheduler) Availability(h ports.FetchHandle, position float64) (Availability, error) {
	n := h.NumUnits()
	if n <= 0 {
		return Availability{Reason: ReasonNotReady}, domain.ErrMetadataUnavailable
	}
	target := TargetUnit(position, n)

	ultraReady, _ := countReady(h, target-s.cfg.UltraBefore, target+s.cfg.UltraAfter, n)
	extReady, extTotal := countReady(h, target-s.cfg.ExtendedBefore, target+s.cfg.ExtendedAfter, n)

	out := Availability{
		ReadyUnits:  extReady,
		NeededUnits: extTotal,
		TargetUnit:  target,
		UltraReady:  ultraReady,
		Reason:      ReasonNotReady,
	}
	switch {
	case ultraReady >= 1:
		out.ImmediatelyPlayable = true
		out.Reason = ReasonUltraCritical
	case extTotal > 0 && float64(extReady)/float64(extTotal) >= s.cfg.ExtendedReadyRatio:
		out.ImmediatelyPlayable = true
		out.Reason = ReasonExtendedZone
	}
	return out, nil
}

func countReady(h ports.FetchHandle, lo, hi, n int) (ready, total int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	for i := lo; i < hi; i++ {
		total++
		if h.HaveUnit(i) {
			ready++
		}
	}
	return ready, total
}

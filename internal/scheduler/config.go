package scheduler

import "time"

// Config holds every zone boundary, tier and deadline used when building a
// priority plan. Zone offsets are in storage units relative to the target.
type Config struct {
	UltraBefore   int
	UltraAfter    int
	UltraDeadline time.Duration

	CriticalBefore   int
	CriticalAfter    int
	CriticalDeadline time.Duration

	BufferUnits    int
	BufferDeadline time.Duration

	// HeadUnits at the start of the file always get at least high tier so
	// container headers arrive early.
	HeadUnits int
	// SampleEvery is the fraction of the file between sample points.
	SampleEvery float64

	// InitialSampleRadius widens each sample point during the first setup
	// after metadata arrives.
	InitialSampleRadius   int
	InitialSampleDeadline time.Duration

	ExtendedBefore     int
	ExtendedAfter      int
	ExtendedReadyRatio float64
}

func DefaultConfig() Config {
	return Config{
		UltraBefore:   1,
		UltraAfter:    2,
		UltraDeadline: 100 * time.Millisecond,

		CriticalBefore:   7,
		CriticalAfter:    8,
		CriticalDeadline: 500 * time.Millisecond,

		BufferUnits:    50,
		BufferDeadline: 2000 * time.Millisecond,

		HeadUnits:   20,
		SampleEvery: 0.10,

		InitialSampleRadius:   2,
		InitialSampleDeadline: 2000 * time.Millisecond,

		ExtendedBefore:     5,
		ExtendedAfter:      15,
		ExtendedReadyRatio: 0.30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UltraAfter <= 0 {
		c.UltraBefore, c.UltraAfter, c.UltraDeadline = d.UltraBefore, d.UltraAfter, d.UltraDeadline
	}
	if c.CriticalAfter <= 0 {
		c.CriticalBefore, c.CriticalAfter, c.CriticalDeadline = d.CriticalBefore, d.CriticalAfter, d.CriticalDeadline
	}
	if c.BufferUnits < 0 {
		c.BufferUnits = 0
	}
	if c.BufferDeadline <= 0 {
		c.BufferDeadline = d.BufferDeadline
	}
	if c.HeadUnits < 0 {
		c.HeadUnits = 0
	}
	if c.SampleEvery <= 0 || c.SampleEvery > 1 {
		c.SampleEvery = d.SampleEvery
	}
	if c.InitialSampleDeadline <= 0 {
		c.InitialSampleDeadline = d.InitialSampleDeadline
	}
	if c.ExtendedAfter <= 0 {
		c.ExtendedBefore, c.ExtendedAfter = d.ExtendedBefore, d.ExtendedAfter
	}
	if c.ExtendedReadyRatio <= 0 || c.ExtendedReadyRatio > 1 {
		c.ExtendedReadyRatio = d.ExtendedReadyRatio
	}
	return c
}

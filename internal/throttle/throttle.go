// Package throttle decides when sustained overage moves the interface to
// the throttled bandwidth ceiling and when the punishment ends.
package throttle

import (
	"time"
)

type State int

const (
	Normal State = iota
	Throttled
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

type Config struct {
	// TriggerMbps is the rate that must be strictly exceeded to count as overage.
	TriggerMbps     float64
	TriggerDuration time.Duration
	PunishDuration  time.Duration
	// Tick is how much overage one sample above TriggerMbps is worth.
	Tick          time.Duration
	NormalMbit    int
	ThrottledMbit int
}

// Transition is what one Step decided. When Changed is false the caller
// has nothing to apply.
type Transition struct {
	From        State
	To          State
	CeilingMbit int
	PunishUntil time.Time
}

func (t Transition) Changed() bool { return t.From != t.To }

// Machine holds the throttle state. It performs no I/O: the caller applies
// the ceiling carried by a changed Transition.
type Machine struct {
	cfg         Config
	state       State
	overage     time.Duration
	punishUntil time.Time
}

func New(cfg Config) *Machine {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Machine{cfg: cfg}
}

// Step advances the machine by one tick observed at now with the given
// instantaneous rate.
//
// In Normal, every tick above the trigger adds Tick to the overage and any
// tick at or below it resets the overage to zero. Reaching TriggerDuration
// engages Throttled until now+PunishDuration. In Throttled the rate is
// ignored; the punishment window is fixed per trigger.
func (m *Machine) Step(now time.Time, rateMbps float64) Transition {
	tr := Transition{From: m.state, To: m.state}

	switch m.state {
	case Normal:
		if rateMbps <= m.cfg.TriggerMbps {
			m.overage = 0
			return tr
		}
		m.overage += m.cfg.Tick
		if m.overage < m.cfg.TriggerDuration {
			return tr
		}
		m.state = Throttled
		m.overage = 0
		m.punishUntil = now.Add(m.cfg.PunishDuration)
		tr.To = Throttled
		tr.CeilingMbit = m.cfg.ThrottledMbit
		tr.PunishUntil = m.punishUntil

	case Throttled:
		if now.Before(m.punishUntil) {
			tr.PunishUntil = m.punishUntil
			return tr
		}
		m.state = Normal
		m.overage = 0
		m.punishUntil = time.Time{}
		tr.To = Normal
		tr.CeilingMbit = m.cfg.NormalMbit
	}
	return tr
}

func (m *Machine) State() State { return m.state }

// Overage is the consecutive overage accumulated so far. Always zero
// while Throttled.
func (m *Machine) Overage() time.Duration { return m.overage }

// PunishUntil is zero unless Throttled.
func (m *Machine) PunishUntil() time.Time { return m.punishUntil }

// Ceiling is the bandwidth ceiling the current state calls for.
func (m *Machine) Ceiling() int {
	if m.state == Throttled {
		return m.cfg.ThrottledMbit
	}
	return m.cfg.NormalMbit
}

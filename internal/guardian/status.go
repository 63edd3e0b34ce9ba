package guardian

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the read-only view of the loop served on the admin port.
type Status struct {
	Host           string     `json:"host,omitempty"`
	Day            string     `json:"day"`
	DayStart       time.Time  `json:"day_start"`
	TotalBytes     uint64     `json:"total_bytes"`
	UniqueAddrs    int        `json:"unique_addrs"`
	ActiveAddrs    int        `json:"active_addrs"`
	RateMbps       float64    `json:"rate_mbps"`
	Throttle       string     `json:"throttle"`
	OverageSeconds float64    `json:"overage_seconds"`
	PunishUntil    *time.Time `json:"punish_until,omitempty"`
	CeilingMbit    int        `json:"ceiling_mbit"`
	LastTick       time.Time  `json:"last_tick"`
	Tripped        string     `json:"tripped,omitempty"`
	Limits         Limits     `json:"limits"`
}

type Limits struct {
	MaxConcurrentIPs  int     `json:"max_concurrent_ips"`
	MaxDailyUniqueIPs int     `json:"max_daily_unique_ips"`
	MaxDailyTrafficGB float64 `json:"max_daily_traffic_gb"`
	TriggerMbit       float64 `json:"trigger_mbit"`
	TriggerDuration   string  `json:"trigger_duration"`
	PunishDuration    string  `json:"punish_duration"`
	NormalLimitMbit   int     `json:"normal_limit_mbit"`
	ThrottleLimitMbit int     `json:"throttle_limit_mbit"`
}

// Status returns the latest published snapshot, nil before Start.
func (g *Guardian) Status() *Status { return g.status.Load() }

func (g *Guardian) publishStatus() {
	st := &g.state
	s := &Status{
		Host:           g.cfg.Host,
		RateMbps:       st.RateMbps,
		ActiveAddrs:    st.ActiveAddrs,
		Throttle:       st.Throttle.State().String(),
		OverageSeconds: st.Throttle.Overage().Seconds(),
		CeilingMbit:    st.Throttle.Ceiling(),
		LastTick:       st.LastTick,
		Tripped:        string(st.Tripped),
		Limits: Limits{
			MaxConcurrentIPs:  g.cfg.MaxConcurrentIPs,
			MaxDailyUniqueIPs: g.cfg.MaxDailyUniqueIPs,
			MaxDailyTrafficGB: g.cfg.MaxDailyTrafficGB,
			TriggerMbit:       g.cfg.Throttle.TriggerMbps,
			TriggerDuration:   g.cfg.Throttle.TriggerDuration.String(),
			PunishDuration:    g.cfg.Throttle.PunishDuration.String(),
			NormalLimitMbit:   g.cfg.Throttle.NormalMbit,
			ThrottleLimitMbit: g.cfg.Throttle.ThrottledMbit,
		},
	}
	if st.Daily != nil {
		s.Day = st.Daily.Day()
		s.DayStart = st.Daily.Start()
		s.TotalBytes = st.Daily.TotalBytes()
		s.UniqueAddrs = st.Daily.UniqueCount()
	}
	if pu := st.Throttle.PunishUntil(); !pu.IsZero() {
		s.PunishUntil = &pu
	}
	g.status.Store(s)
}

// StatusHandler serves the snapshot as JSON.
func (g *Guardian) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := g.Status()
		if s == nil {
			http.Error(w, "guardian not started", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(s)
	})
}

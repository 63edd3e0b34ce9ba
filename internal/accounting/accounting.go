// Package accounting tracks what one accounting day has seen: the set of
// distinct client addresses and the interface bytes moved.
package accounting

import (
	"math"
	"slices"
	"time"
)

const dayLayout = "2006-01-02"

// DayKey names the accounting day containing t. Days start at resetHour
// local time, so with resetHour=6 the instant 05:59 on the 2nd still
// belongs to the 1st.
func DayKey(t time.Time, resetHour int) string {
	if t.Hour() < resetHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(dayLayout)
}

// Summary is a point-in-time copy of a day's record.
type Summary struct {
	Day         string    `json:"day"`
	Start       time.Time `json:"start"`
	UniqueAddrs int       `json:"unique_addrs"`
	TotalBytes  uint64    `json:"total_bytes"`
	Addrs       []string  `json:"addrs,omitempty"`
}

// Daily is owned by the control loop and is not safe for concurrent use.
type Daily struct {
	resetHour int
	day       string
	start     time.Time
	addrs     map[string]struct{}
	total     uint64
}

func New(now time.Time, resetHour int) *Daily {
	d := &Daily{resetHour: resetHour}
	d.reset(now)
	return d
}

func (d *Daily) reset(now time.Time) {
	d.day = DayKey(now, d.resetHour)
	d.start = now
	d.addrs = make(map[string]struct{})
	d.total = 0
}

// Rollover replaces the record wholesale when now falls in a different
// accounting day. It returns the finished day's summary and true when a
// rollover happened.
func (d *Daily) Rollover(now time.Time) (Summary, bool) {
	if DayKey(now, d.resetHour) == d.day {
		return Summary{}, false
	}
	prev := d.Snapshot()
	d.reset(now)
	return prev, true
}

// Observe is the combined form of Rollover, AddAddresses and AddBytes for
// callers that sample both sources before deciding anything. The guardian
// loop calls the steps separately so the traffic breaker runs before the
// connection sample.
func (d *Daily) Observe(now time.Time, addrs []string, byteDelta int64) (Summary, bool) {
	prev, rolled := d.Rollover(now)
	d.AddAddresses(addrs)
	d.AddBytes(byteDelta)
	return prev, rolled
}

// AddBytes accumulates delta. A negative delta means the counters wrapped
// or were reset underneath us and contributes nothing.
func (d *Daily) AddBytes(delta int64) {
	if delta <= 0 {
		return
	}
	d.AddSampled(uint64(delta))
}

// AddSampled accumulates n bytes already known to be non-negative. The
// total saturates instead of wrapping.
func (d *Daily) AddSampled(n uint64) {
	if d.total > math.MaxUint64-n {
		d.total = math.MaxUint64
		return
	}
	d.total += n
}

// AddAddresses inserts addrs with set semantics and returns how many
// were not seen before today.
func (d *Daily) AddAddresses(addrs []string) int {
	added := 0
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := d.addrs[a]; ok {
			continue
		}
		d.addrs[a] = struct{}{}
		added++
	}
	return added
}

func (d *Daily) UniqueCount() int   { return len(d.addrs) }
func (d *Daily) TotalBytes() uint64 { return d.total }
func (d *Daily) Day() string        { return d.day }
func (d *Daily) Start() time.Time   { return d.start }

// Snapshot copies the record. Addresses are sorted.
func (d *Daily) Snapshot() Summary {
	addrs := make([]string, 0, len(d.addrs))
	for a := range d.addrs {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return Summary{
		Day:         d.day,
		Start:       d.start,
		UniqueAddrs: len(addrs),
		TotalBytes:  d.total,
		Addrs:       addrs,
	}
}

// Restore merges a persisted record for the current day into d. Records
// for any other day are ignored and false is returned.
func (d *Daily) Restore(s Summary) bool {
	if s.Day != d.day {
		return false
	}
	d.AddAddresses(s.Addrs)
	if s.TotalBytes > d.total {
		d.total = s.TotalBytes
	}
	return true
}

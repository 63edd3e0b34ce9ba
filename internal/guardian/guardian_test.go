package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/health"
	"github.com/keithlinneman/server-guardian/internal/throttle"
)

// 120 Mbps for one second, with a megabit of 2^20 bits
const bytesAt120 = 120 * (1 << 20) / 8

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakes

type fakeTraffic struct {
	total uint64
	err   error
	calls int
}

func (f *fakeTraffic) CumulativeBytes(context.Context) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.total, nil
}

type fakeConns struct {
	addrs []string
	err   error
	calls int
}

func (f *fakeConns) EstablishedRemoteAddrs(context.Context) ([]string, error) {
	f.calls++
	if f.err != nil {
		return []string{}, f.err
	}
	return f.addrs, nil
}

type fakeEnforcer struct {
	limits     []int
	ceilings   []int
	ceilingErr error
}

func (f *fakeEnforcer) ApplyConnectionLimit(_ context.Context, n int) error {
	f.limits = append(f.limits, n)
	return nil
}

func (f *fakeEnforcer) SetBandwidthCeiling(_ context.Context, mbit int) error {
	f.ceilings = append(f.ceilings, mbit)
	return f.ceilingErr
}

type fakePower struct{ calls int }

func (f *fakePower) PowerOff(context.Context) error {
	f.calls++
	return nil
}

type fakeStore struct {
	days     map[string]accounting.Summary
	last     *breaker.Incident
	saves    int
	loadErr  error
	lastSave accounting.Summary
}

func (f *fakeStore) Load(_ context.Context, day string) (accounting.Summary, bool, error) {
	if f.loadErr != nil {
		return accounting.Summary{}, false, f.loadErr
	}
	s, ok := f.days[day]
	return s, ok, nil
}

func (f *fakeStore) Save(_ context.Context, s accounting.Summary) error {
	f.saves++
	f.lastSave = s
	return nil
}

func (f *fakeStore) LastIncident(context.Context) (breaker.Incident, bool, error) {
	if f.last == nil {
		return breaker.Incident{}, false, nil
	}
	return *f.last, true, nil
}

type published struct {
	s     accounting.Summary
	final bool
}

type fakeReporter struct {
	mu  sync.Mutex
	got []published
}

func (f *fakeReporter) PublishDaily(_ context.Context, s accounting.Summary, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{s, final})
	return nil
}

type fakeMetrics struct {
	ticks        int
	engaged      int
	rollovers    int
	sampleErrs   map[string]int
	enforceErrs  map[string]int
	trips        map[string]int
	ceiling      int
	totalBytes   uint64
	unique       int
	throttled    bool
	checkpointEr int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{sampleErrs: map[string]int{}, enforceErrs: map[string]int{}, trips: map[string]int{}}
}

func (m *fakeMetrics) ObserveTick(time.Time, time.Duration, float64, int) { m.ticks++ }
func (m *fakeMetrics) SetDaily(b uint64, u int)                           { m.totalBytes, m.unique = b, u }
func (m *fakeMetrics) SetThrottle(t bool, _ time.Duration)                { m.throttled = t }
func (m *fakeMetrics) SetCeiling(mbit int)                                { m.ceiling = mbit }
func (m *fakeMetrics) IncThrottleEngaged()                                { m.engaged++ }
func (m *fakeMetrics) IncRollover()                                       { m.rollovers++ }
func (m *fakeMetrics) IncSampleError(s string)                            { m.sampleErrs[s]++ }
func (m *fakeMetrics) IncEnforcementError(a string)                       { m.enforceErrs[a]++ }
func (m *fakeMetrics) IncBreakerTrip(r string)                            { m.trips[r]++ }
func (m *fakeMetrics) IncCheckpointError()                                { m.checkpointEr++ }

// harness

type harness struct {
	g           *Guardian
	traffic     *fakeTraffic
	conns       *fakeConns
	enf         *fakeEnforcer
	power       *fakePower
	metrics     *fakeMetrics
	shutdownLog string
	now         time.Time
}

func testConfig() Config {
	return Config{
		Host:              "edge-1",
		MaxConcurrentIPs:  8,
		MaxDailyUniqueIPs: 15,
		MaxDailyTrafficGB: 100,
		Tick:              time.Second,
		Throttle: throttle.Config{
			TriggerMbps:     100,
			TriggerDuration: 10 * time.Second,
			PunishDuration:  900 * time.Second,
			NormalMbit:      150,
			ThrottledMbit:   60,
		},
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		traffic:     &fakeTraffic{},
		conns:       &fakeConns{},
		enf:         &fakeEnforcer{},
		power:       &fakePower{},
		metrics:     newFakeMetrics(),
		shutdownLog: filepath.Join(t.TempDir(), "server_shutdown.log"),
		now:         base,
	}
	opts := Options{
		Config:      testConfig(),
		Traffic:     h.traffic,
		Connections: h.conns,
		Enforcer:    h.enf,
		Metrics:     h.metrics,
		Clock:       func() time.Time { return h.now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New(breaker.Options{
			MaxDailyTrafficGB: opts.Config.MaxDailyTrafficGB,
			MaxDailyUniqueIPs: opts.Config.MaxDailyUniqueIPs,
			ShutdownLog:       h.shutdownLog,
			PowerOff:          h.power,
		})
	}
	h.g = New(opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// tick moves the clock one second and advances the loop.
func (h *harness) tick() (TickResult, error) {
	h.now = h.now.Add(time.Second)
	return h.g.Advance(context.Background(), h.now)
}

func (h *harness) shutdownLines(t *testing.T) []string {
	t.Helper()
	b, err := os.ReadFile(h.shutdownLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

// Start

func TestStart_InstallsRulesAndBaseline(t *testing.T) {
	h := newHarness(t, nil)
	h.traffic.total = 5000
	h.start(t)

	if !slices.Equal(h.enf.limits, []int{8}) {
		t.Fatalf("connection limits = %v", h.enf.limits)
	}
	if !slices.Equal(h.enf.ceilings, []int{150}) {
		t.Fatalf("ceilings = %v", h.enf.ceilings)
	}
	st := h.g.State()
	if !st.HaveBaseline || st.LastBytes != 5000 {
		t.Fatalf("baseline = %+v", st)
	}
	if st.Daily.Day() != "2026-03-02" {
		t.Fatalf("day = %s", st.Daily.Day())
	}

	// the baseline is not counted as traffic
	res, err := h.tick()
	if err != nil || res.DeltaBytes != 0 || st.Daily.TotalBytes() != 0 {
		t.Fatalf("first tick = %+v err=%v", res, err)
	}
}

func TestStart_RestoresCheckpoint(t *testing.T) {
	store := &fakeStore{days: map[string]accounting.Summary{
		"2026-03-02": {Day: "2026-03-02", TotalBytes: 777, Addrs: []string{"10.0.0.1", "10.0.0.2"}},
	}}
	h := newHarness(t, func(o *Options) { o.Checkpoint = store })
	h.start(t)

	d := h.g.State().Daily
	if d.TotalBytes() != 777 || d.UniqueCount() != 2 {
		t.Fatalf("restored total=%d unique=%d", d.TotalBytes(), d.UniqueCount())
	}
}

func TestStart_SkipsRestoreForTrippedDay(t *testing.T) {
	store := &fakeStore{
		days: map[string]accounting.Summary{
			"2026-03-02": {Day: "2026-03-02", TotalBytes: 777, Addrs: []string{"10.0.0.1"}},
		},
		last: &breaker.Incident{At: base.Add(-time.Hour), Day: "2026-03-02", Reason: breaker.ReasonDailyUnique},
	}
	h := newHarness(t, func(o *Options) { o.Checkpoint = store })
	h.start(t)

	if d := h.g.State().Daily; d.TotalBytes() != 0 || d.UniqueCount() != 0 {
		t.Fatalf("tripped day should start from zero, total=%d unique=%d", d.TotalBytes(), d.UniqueCount())
	}
}

func TestStart_CheckpointLoadError(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("locked")}
	h := newHarness(t, func(o *Options) { o.Checkpoint = store })
	h.start(t)
	if h.metrics.checkpointEr != 1 {
		t.Fatalf("checkpoint errors = %d", h.metrics.checkpointEr)
	}
}

// Throttle

func TestAdvance_ThrottleEngagesAtTenAndReleasesAt910(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	for i := 1; i <= 12; i++ {
		h.traffic.total += bytesAt120
		res, err := h.tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.RateMbps != 120 {
			t.Fatalf("tick %d rate = %v, want 120", i, res.RateMbps)
		}
		changed := res.Transition.Changed()
		if i == 10 {
			if !changed || res.Transition.To != throttle.Throttled || res.Transition.CeilingMbit != 60 {
				t.Fatalf("tick 10 transition = %+v", res.Transition)
			}
		} else if changed {
			t.Fatalf("unexpected transition at tick %d: %+v", i, res.Transition)
		}
	}
	if !slices.Equal(h.enf.ceilings, []int{150, 60}) {
		t.Fatalf("ceilings = %v", h.enf.ceilings)
	}
	if h.metrics.engaged != 1 || h.metrics.ceiling != 60 {
		t.Fatalf("engaged=%d ceiling=%d", h.metrics.engaged, h.metrics.ceiling)
	}

	for i := 13; i < 910; i++ {
		res, err := h.tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.Transition.Changed() {
			t.Fatalf("released early at tick %d", i)
		}
	}
	res, err := h.tick()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Transition.Changed() || res.Transition.To != throttle.Normal {
		t.Fatalf("tick 910 transition = %+v", res.Transition)
	}
	if !slices.Equal(h.enf.ceilings, []int{150, 60, 150}) {
		t.Fatalf("ceilings = %v", h.enf.ceilings)
	}
	if h.g.State().Throttle.Overage() != 0 {
		t.Fatal("overage should be zero after release")
	}
}

func TestAdvance_EnforcementFailureDoesNotHalt(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.enf.ceilingErr = errors.New("tc: exit status 2")

	for i := 1; i <= 10; i++ {
		h.traffic.total += bytesAt120
		if _, err := h.tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if h.g.State().Throttle.State() != throttle.Throttled {
		t.Fatal("state machine should still move to throttled")
	}
	if h.metrics.enforceErrs["ceiling"] != 1 {
		t.Fatalf("enforcement errors = %v", h.metrics.enforceErrs)
	}
}

// Breakers

func TestAdvance_UniqueBreakerTripsOnceOnSixteenth(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	batches := [][]string{
		{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"},
		{"10.0.0.1", "10.0.0.6", "10.0.0.7", "10.0.0.8", "10.0.0.9", "10.0.0.10"},
		{"10.0.0.11", "10.0.0.12", "10.0.0.13", "10.0.0.14", "10.0.0.15", "10.0.0.15"},
	}
	for i, b := range batches {
		h.conns.addrs = b
		if _, err := h.tick(); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if got := h.g.State().Daily.UniqueCount(); got != 15 {
		t.Fatalf("unique = %d, want 15", got)
	}
	if h.power.calls != 0 {
		t.Fatal("15 addresses must not trip")
	}

	h.conns.addrs = []string{"2001:db8::16"}
	res, err := h.tick()
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
	if res.Tripped != breaker.ReasonDailyUnique || res.Transition.Changed() {
		t.Fatalf("result = %+v", res)
	}

	// further ticks keep reporting shutdown without a second power-off
	if _, err := h.tick(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("second tick err = %v", err)
	}
	if h.power.calls != 1 {
		t.Fatalf("power-off calls = %d, want 1", h.power.calls)
	}
	lines := h.shutdownLines(t)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "Shutdown triggered by: "+string(breaker.ReasonDailyUnique)) {
		t.Fatalf("shutdown log = %q", lines)
	}
	if h.metrics.trips["daily_unique"] != 1 {
		t.Fatalf("trips = %v", h.metrics.trips)
	}
	if s := h.g.Status(); s.Tripped == "" || s.UniqueAddrs != 16 {
		t.Fatalf("status = %+v", s)
	}
}

func TestAdvance_TrafficBreakerIsStrict(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.MaxDailyTrafficGB = 1 })
	h.start(t)

	h.traffic.total = 1 << 30
	if _, err := h.tick(); err != nil {
		t.Fatalf("exactly the ceiling must not trip: %v", err)
	}
	connCalls := h.conns.calls

	h.traffic.total++
	res, err := h.tick()
	if !errors.Is(err, ErrShutdown) || res.Tripped != breaker.ReasonDailyTraffic {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if h.conns.calls != connCalls {
		t.Fatal("connection sample must not run after a traffic trip")
	}
	if h.power.calls != 1 || len(h.shutdownLines(t)) != 1 {
		t.Fatalf("power=%d log=%v", h.power.calls, h.shutdownLines(t))
	}
}

type failingBreaker struct{ Breaker }

func (f failingBreaker) Trip(context.Context, breaker.Incident) error {
	return errors.New("shutdown: permission denied")
}

func TestAdvance_TripErrorStillShutdown(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.MaxDailyUniqueIPs = 0
		o.Breaker = failingBreaker{breaker.New(breaker.Options{MaxDailyTrafficGB: 100})}
	})
	h.start(t)
	h.conns.addrs = []string{"10.0.0.1"}

	_, err := h.tick()
	if !errors.Is(err, ErrShutdown) || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v", err)
	}
}

// Rollover and sampling

func TestAdvance_RolloverClearsDay(t *testing.T) {
	rep := &fakeReporter{}
	h := newHarness(t, func(o *Options) { o.Reporter = rep })
	h.now = time.Date(2026, 3, 2, 23, 59, 58, 0, time.UTC)
	h.start(t)

	h.conns.addrs = []string{"10.0.0.1", "10.0.0.2"}
	h.traffic.total = 1000
	if _, err := h.tick(); err != nil { // 23:59:59
		t.Fatal(err)
	}

	h.conns.addrs = []string{"10.0.0.3"}
	h.traffic.total = 1500
	res, err := h.tick() // 00:00:00
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rolled || res.Day != "2026-03-03" {
		t.Fatalf("result = %+v", res)
	}
	d := h.g.State().Daily
	if d.UniqueCount() != 1 || d.TotalBytes() != 500 {
		t.Fatalf("new day unique=%d total=%d", d.UniqueCount(), d.TotalBytes())
	}
	if h.metrics.rollovers != 1 {
		t.Fatalf("rollovers = %d", h.metrics.rollovers)
	}

	h.g.Wait()
	if len(rep.got) != 1 || !rep.got[0].final || rep.got[0].s.Day != "2026-03-02" || rep.got[0].s.TotalBytes != 1000 {
		t.Fatalf("published = %+v", rep.got)
	}
}

func TestAdvance_RolloverHonorsResetHour(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.ResetHour = 6 })
	h.now = time.Date(2026, 3, 2, 5, 59, 59, 0, time.UTC)
	h.start(t)
	if h.g.State().Daily.Day() != "2026-03-01" {
		t.Fatalf("day = %s", h.g.State().Daily.Day())
	}
	res, _ := h.tick()
	if !res.Rolled || res.Day != "2026-03-02" {
		t.Fatalf("result = %+v", res)
	}
}

func TestAdvance_TrafficSampleFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.traffic.total = 1000
	h.start(t)

	h.traffic.err = errors.New("net/dev unreadable")
	res, err := h.tick()
	if err != nil || res.DeltaBytes != 0 || res.RateMbps != 0 {
		t.Fatalf("failed sample: res=%+v err=%v", res, err)
	}
	if h.metrics.sampleErrs["traffic"] != 1 {
		t.Fatalf("sample errors = %v", h.metrics.sampleErrs)
	}

	// the next good sample is measured from the last good baseline
	h.traffic.err = nil
	h.traffic.total = 1000 + 2*bytesAt120
	res, err = h.tick()
	if err != nil {
		t.Fatal(err)
	}
	if res.DeltaBytes != 2*bytesAt120 || res.RateMbps != 120 {
		t.Fatalf("recovered sample: %+v", res)
	}
}

func TestAdvance_CounterReset(t *testing.T) {
	h := newHarness(t, nil)
	h.traffic.total = 1 << 40
	h.start(t)

	h.traffic.total = 100
	res, _ := h.tick()
	if res.DeltaBytes != 0 {
		t.Fatalf("delta after reset = %d", res.DeltaBytes)
	}
	h.traffic.total = 600
	res, _ = h.tick()
	if res.DeltaBytes != 500 {
		t.Fatalf("delta = %d, want 500 from the new baseline", res.DeltaBytes)
	}
}

func TestAdvance_ConnectionSampleFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.conns.err = errors.New("tcp table unreadable")

	res, err := h.tick()
	if err != nil || res.ActiveAddrs != 0 || res.NewAddrs != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if h.metrics.sampleErrs["connections"] != 1 {
		t.Fatalf("sample errors = %v", h.metrics.sampleErrs)
	}
}

func TestAdvance_ActiveAddrsDistinct(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.conns.addrs = []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"}

	res, _ := h.tick()
	if res.ActiveAddrs != 2 || res.NewAddrs != 2 {
		t.Fatalf("res = %+v", res)
	}
	res, _ = h.tick()
	if res.NewAddrs != 0 {
		t.Fatalf("repeat addresses counted as new: %+v", res)
	}
}

func TestAdvance_StartsLazily(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.tick(); err != nil {
		t.Fatal(err)
	}
	if len(h.enf.limits) != 1 {
		t.Fatal("Advance without Start should install rules first")
	}
}

// Run

func TestRun_StopsOnCancelAndFlushes(t *testing.T) {
	store := &fakeStore{}
	hb := &health.Heartbeat{}
	h := newHarness(t, func(o *Options) {
		o.Config.Tick = time.Millisecond
		o.Config.CheckpointInterval = time.Hour
		o.Checkpoint = store
		o.Heartbeat = hb
		o.Clock = time.Now
	})
	h.conns.addrs = []string{"10.0.0.1"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.g.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
	if hb.Last().IsZero() {
		t.Fatal("heartbeat never beat")
	}
	if store.saves != 1 || store.lastSave.UniqueAddrs != 1 {
		t.Fatalf("final flush: saves=%d last=%+v", store.saves, store.lastSave)
	}
	if h.power.calls != 0 {
		t.Fatal("clean exit must not power off")
	}
}

func TestRun_ReturnsErrShutdown(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Config.Tick = time.Millisecond
		o.Config.MaxDailyUniqueIPs = 0
		o.Clock = time.Now
	})
	h.conns.addrs = []string{"10.0.0.1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.g.Run(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Run = %v, want ErrShutdown", err)
	}
	if h.power.calls != 1 {
		t.Fatalf("power-off calls = %d", h.power.calls)
	}
}

// Status

func TestStatusHandler(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.g.StatusHandler()

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("before start: %d", rr.Code)
	}

	h.start(t)
	h.conns.addrs = []string{"10.0.0.1"}
	h.traffic.total += bytesAt120
	_, _ = h.tick()

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	var s Status
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Day != "2026-03-02" || s.UniqueAddrs != 1 || s.RateMbps != 120 || s.Throttle != "normal" {
		t.Fatalf("status = %+v", s)
	}
	if s.CeilingMbit != 150 || s.Limits.MaxDailyUniqueIPs != 15 || s.Host != "edge-1" {
		t.Fatalf("status = %+v", s)
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/dispatcher"
	eventsmemory "github.com/JakeFAU/linewatch/internal/events/memory"
	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/storage/memory"
)

const (
	normalText = "平常運転"
	delayText  = "遅延：人身事故の影響で遅れが出ています"
	delayText2 = "運転見合わせ：強風の影響"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSource returns texts in order, repeating the last one.
type scriptedSource struct {
	mu    sync.Mutex
	texts []string
	errs  []error
	calls int
}

func (s *scriptedSource) push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	s.errs = append(s.errs, nil)
}

func (s *scriptedSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, "")
	s.errs = append(s.errs, err)
}

func (s *scriptedSource) Get(ctx context.Context, _ bool) (linestatus.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return linestatus.Snapshot{}, err
	}
	i := s.calls
	if i >= len(s.texts) {
		i = len(s.texts) - 1
	}
	s.calls++
	if s.errs[i] != nil {
		return linestatus.Snapshot{}, s.errs[i]
	}
	return linestatus.Classify(s.texts[i], linestatus.DefaultNormalMarker, time.Now()), nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	payloads []linestatus.NotificationPayload
	gone     map[string]bool
}

func (b *recordingBroadcaster) Send(context.Context, linestatus.Subscriber, linestatus.NotificationPayload) error {
	return nil
}

func (b *recordingBroadcaster) BroadcastAll(_ context.Context, subs []linestatus.Subscriber, payload linestatus.NotificationPayload) linestatus.DispatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	res := linestatus.DispatchResult{InvalidEndpoints: []string{}}
	for _, sub := range subs {
		if b.gone[sub.Endpoint] {
			res.Failed++
			res.InvalidEndpoints = append(res.InvalidEndpoints, sub.Endpoint)
			continue
		}
		res.Succeeded++
	}
	return res
}

func (b *recordingBroadcaster) Payloads() []linestatus.NotificationPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]linestatus.NotificationPayload(nil), b.payloads...)
}

type harness struct {
	sched  *Scheduler
	source *scriptedSource
	bc     *recordingBroadcaster
	store  *memory.Store
	events *eventsmemory.Publisher
	clock  *manualClock
}

func newHarness(t *testing.T, cfg Config, subscribers ...string) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)}
	store := memory.New(clock)
	for _, name := range subscribers {
		require.NoError(t, store.Add(context.Background(), linestatus.Subscriber{
			Endpoint: "https://push.example.com/" + name,
			Keys:     linestatus.SubscriberKeys{P256dh: "p-" + name, Auth: "a-" + name},
		}))
	}
	if cfg.Line == "" {
		cfg.Line = "高崎線"
	}
	h := &harness{
		source: &scriptedSource{},
		bc:     &recordingBroadcaster{gone: map[string]bool{}},
		store:  store,
		events: eventsmemory.New(0),
		clock:  clock,
	}
	sched, err := New(h.source, store, h.bc,
		dispatcher.NewTemplates(cfg.Line, "", "", clock),
		h.events, nil, clock, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close() })
	h.sched = sched
	return h
}

func (h *harness) check(t *testing.T, text string) linestatus.CheckResult {
	t.Helper()
	h.source.push(text)
	return h.sched.Check(context.Background(), true)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil, nil, nil, Config{}, nil)
	require.Error(t, err)
}

func TestFirstCheckNormalDoesNotNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	res := h.check(t, normalText)

	require.Equal(t, linestatus.CheckResult{Status: normalText}, res)
	require.Empty(t, h.bc.Payloads())

	st := h.sched.State()
	require.NotNil(t, st.LastStatus)
	require.Equal(t, normalText, *st.LastStatus)
	require.NotNil(t, st.LastCheckTime)
	require.False(t, st.IsDelayed)
	require.Nil(t, st.LastNotificationTime)
	require.False(t, st.BackgroundMonitorActive)
}

func TestFirstCheckAbnormalNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	res := h.check(t, delayText)

	require.True(t, res.NotificationSent)
	payloads := h.bc.Payloads()
	require.Len(t, payloads, 1)
	require.Equal(t, "🚃 高崎線: 運行に支障があります", payloads[0].Title)
	require.Equal(t, delayText, payloads[0].Body)
	require.Equal(t, delayText, payloads[0].Data.Status)

	st := h.sched.State()
	require.True(t, st.IsDelayed)
	require.True(t, st.BackgroundMonitorActive)
	require.NotNil(t, st.LastNotificationTime)

	evts := h.events.Events()
	require.Len(t, evts, 1)
	require.Equal(t, linestatus.TransitionInitial, evts[0].Kind)
	require.NotEmpty(t, evts[0].ID)
	require.Equal(t, 1, evts[0].Delivery.Succeeded)
}

func TestNoSubscribersIsNotSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	res := h.check(t, delayText)

	require.False(t, res.NotificationSent)
	require.Empty(t, h.bc.Payloads())
	st := h.sched.State()
	require.Nil(t, st.LastNotificationTime)
	require.True(t, st.IsDelayed)
	// The transition is still recorded as an event.
	require.Len(t, h.events.Events(), 1)
}

func TestConcreteScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a", "b")

	res := h.check(t, normalText)
	require.Equal(t, normalText, res.Status)
	require.False(t, res.NotificationSent)

	h.clock.Advance(time.Minute)
	res = h.check(t, delayText)
	require.True(t, res.NotificationSent)
	require.Len(t, h.bc.Payloads(), 1)
	require.Equal(t, "🚃 高崎線: 運行状況に変化があります", h.bc.Payloads()[0].Title)

	h.clock.Advance(2 * time.Minute)
	res = h.check(t, delayText2)
	require.False(t, res.NotificationSent)
	require.Len(t, h.bc.Payloads(), 1)
	require.Equal(t, delayText2, *h.sched.State().LastStatus)
}

func TestAbnormalDetailChangeNeverRenotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)

	h.clock.Advance(time.Hour)
	require.False(t, h.check(t, delayText2).NotificationSent)
	require.Len(t, h.bc.Payloads(), 1)
}

func TestOnsetAndRecoveryOutsideCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	require.False(t, h.check(t, normalText).NotificationSent)

	h.clock.Advance(time.Minute)
	require.True(t, h.check(t, delayText).NotificationSent)
	require.True(t, h.sched.State().BackgroundMonitorActive)

	h.clock.Advance(DefaultCooldown + time.Second)
	res := h.check(t, normalText)
	require.True(t, res.NotificationSent)

	payloads := h.bc.Payloads()
	require.Len(t, payloads, 2)
	require.Equal(t, "🚃 高崎線: 平常運転に復旧しました", payloads[1].Title)

	st := h.sched.State()
	require.False(t, st.IsDelayed)
	require.False(t, st.BackgroundMonitorActive)

	evts := h.events.Events()
	require.Len(t, evts, 2)
	require.Equal(t, linestatus.TransitionOnset, evts[0].Kind)
	require.Equal(t, linestatus.TransitionRecovery, evts[1].Kind)
	require.True(t, evts[1].Recovered)
}

func TestRecoveryWithinCooldownIsSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)

	h.clock.Advance(DefaultCooldown - time.Second)
	require.False(t, h.check(t, normalText).NotificationSent)

	st := h.sched.State()
	require.False(t, st.IsDelayed, "state follows the observation even when muted")
	require.False(t, st.BackgroundMonitorActive)
}

func TestFetchFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)
	before := h.sched.State()

	h.source.fail(&linestatus.ScrapingError{Attempts: 3, Err: linestatus.ErrNetwork})
	res := h.sched.Check(context.Background(), true)
	require.Equal(t, ErrorStatus, res.Status)
	require.False(t, res.NotificationSent)
	require.Contains(t, res.Error, "scraping failed after 3 attempt(s)")

	after := h.sched.State()
	require.Equal(t, *before.LastStatus, *after.LastStatus)
	require.Equal(t, *before.LastCheckTime, *after.LastCheckTime)
	require.True(t, after.IsDelayed)

	// The next check still works.
	h.clock.Advance(DefaultCooldown)
	require.True(t, h.check(t, normalText).NotificationSent)
}

func TestInvalidEndpointsAreRemoved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "live", "dead")
	h.bc.gone["https://push.example.com/dead"] = true

	require.True(t, h.check(t, delayText).NotificationSent)

	subs, err := h.store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "https://push.example.com/live", subs[0].Endpoint)
}

func TestMonitorRechecksWhileDelayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MonitorInterval: 10 * time.Millisecond}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)

	require.Eventually(t, func() bool {
		return h.source.Calls() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// Recovery observed by the monitor disarms it.
	h.clock.Advance(DefaultCooldown)
	h.source.push(normalText)
	require.Eventually(t, func() bool {
		return !h.sched.State().BackgroundMonitorActive
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.bc.Payloads(), 2)
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)

	h.sched.Reset()
	require.Equal(t, linestatus.SchedulerState{}, h.sched.State())

	// After reset the next abnormal reading counts as a first observation.
	require.True(t, h.check(t, delayText).NotificationSent)
}

func TestConcurrentChecksAreSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	h.source.push(delayText)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sched.Check(context.Background(), true)
		}()
	}
	wg.Wait()

	require.Len(t, h.bc.Payloads(), 1, "only the first observation may notify")
}

func TestCheckHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "a")
	h.source.push(normalText)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.sched.Check(ctx, true)
	require.Equal(t, ErrorStatus, res.Status)
	require.Nil(t, h.sched.State().LastStatus)
}

func TestCloseStopsMonitor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MonitorInterval: time.Hour}, "a")
	require.True(t, h.check(t, delayText).NotificationSent)
	require.True(t, h.sched.State().BackgroundMonitorActive)

	require.NoError(t, h.sched.Close())
	require.False(t, h.sched.State().BackgroundMonitorActive)
}

func TestDecide(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	normal := linestatus.Classify(normalText, "", now)
	delayed := linestatus.Classify(delayText, "", now)
	str := func(s string) *string { return &s }
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	cases := []struct {
		name string
		prev state
		snap linestatus.Snapshot
		want decision
	}{
		{"idle normal", state{}, normal, decision{}},
		{"idle delayed", state{}, delayed, decision{true, linestatus.TransitionInitial}},
		{"same text", state{lastStatus: str(delayText), delayed: true}, delayed, decision{}},
		{"onset", state{lastStatus: str(normalText)}, delayed, decision{true, linestatus.TransitionOnset}},
		{"recovery", state{lastStatus: str(delayText), delayed: true}, normal, decision{true, linestatus.TransitionRecovery}},
		{"abnormal to abnormal", state{lastStatus: str(delayText2), delayed: true}, delayed, decision{}},
		{"cooldown", state{lastStatus: str(normalText), lastNotification: at(time.Minute)}, delayed, decision{}},
		{"cooldown elapsed", state{lastStatus: str(normalText), lastNotification: at(DefaultCooldown)}, delayed, decision{true, linestatus.TransitionOnset}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, decide(tc.prev, tc.snap, now, DefaultCooldown))
		})
	}
}

var errBoom = errors.New("boom")

type failingStore struct {
	*memory.Store
}

func (failingStore) ListAll(context.Context) ([]linestatus.Subscriber, error) {
	return nil, errBoom
}

func TestListFailureIsNotSent(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Now()}
	source := &scriptedSource{}
	source.push(delayText)
	bc := &recordingBroadcaster{gone: map[string]bool{}}
	sched, err := New(source, failingStore{memory.New(clock)}, bc,
		dispatcher.NewTemplates("高崎線", "", "", clock), nil, nil, clock, Config{}, nil)
	require.NoError(t, err)
	defer func() { _ = sched.Close() }()

	res := sched.Check(context.Background(), true)
	require.False(t, res.NotificationSent)
	require.Empty(t, res.Error)
	require.True(t, sched.State().IsDelayed)
}

// heldBroadcaster signals started, waits for release and then records
// whether the context it was given had been cancelled.
type heldBroadcaster struct {
	recordingBroadcaster
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *heldBroadcaster) BroadcastAll(ctx context.Context, subs []linestatus.Subscriber, payload linestatus.NotificationPayload) linestatus.DispatchResult {
	close(b.started)
	<-b.release
	b.ctxErr = ctx.Err()
	if b.ctxErr != nil {
		return linestatus.DispatchResult{Failed: len(subs), InvalidEndpoints: []string{}}
	}
	return b.recordingBroadcaster.BroadcastAll(ctx, subs, payload)
}

func TestBroadcastOutlivesCancelledCaller(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)}
	store := memory.New(clock)
	require.NoError(t, store.Add(context.Background(), linestatus.Subscriber{
		Endpoint: "https://push.example.com/a",
		Keys:     linestatus.SubscriberKeys{P256dh: "p-a", Auth: "a-a"},
	}))
	source := &scriptedSource{}
	source.push(delayText)
	bc := &heldBroadcaster{
		recordingBroadcaster: recordingBroadcaster{gone: map[string]bool{}},
		started:              make(chan struct{}),
		release:              make(chan struct{}),
	}
	events := eventsmemory.New(0)
	sched, err := New(source, store, bc,
		dispatcher.NewTemplates("高崎線", "", "", clock), events, nil, clock, Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan linestatus.CheckResult, 1)
	go func() { done <- sched.Check(ctx, true) }()

	<-bc.started
	cancel()
	close(bc.release)
	res := <-done

	require.NoError(t, bc.ctxErr)
	require.True(t, res.NotificationSent)
	require.Len(t, bc.Payloads(), 1)
	evts := events.Events()
	require.Len(t, evts, 1)
	require.Equal(t, 1, evts[0].Delivery.Succeeded)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/dispatcher"
	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubScheduler struct {
	calls  int
	result linestatus.CheckResult
	state  linestatus.SchedulerState
}

func (s *stubScheduler) Check(context.Context, bool) linestatus.CheckResult {
	s.calls++
	return s.result
}

func (s *stubScheduler) State() linestatus.SchedulerState { return s.state }

type stubSource struct {
	snap linestatus.Snapshot
	err  error
}

func (s stubSource) Get(context.Context, bool) (linestatus.Snapshot, error) {
	return s.snap, s.err
}

type stubNotifier struct {
	mu        sync.Mutex
	testErr   error
	tests     []string
	broadcast []linestatus.NotificationPayload
	gone      map[string]bool
}

func (n *stubNotifier) Send(context.Context, linestatus.Subscriber, linestatus.NotificationPayload) error {
	return nil
}

func (n *stubNotifier) SendTest(_ context.Context, sub linestatus.Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tests = append(n.tests, sub.Endpoint)
	return n.testErr
}

func (n *stubNotifier) BroadcastAll(_ context.Context, subs []linestatus.Subscriber, payload linestatus.NotificationPayload) linestatus.DispatchResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, payload)
	res := linestatus.DispatchResult{InvalidEndpoints: []string{}}
	for _, sub := range subs {
		if n.gone[sub.Endpoint] {
			res.Failed++
			res.InvalidEndpoints = append(res.InvalidEndpoints, sub.Endpoint)
			continue
		}
		res.Succeeded++
	}
	return res
}

func sub(name string) linestatus.Subscriber {
	return linestatus.Subscriber{
		Endpoint: "https://push.example.com/" + name,
		Keys:     linestatus.SubscriberKeys{P256dh: "p-" + name, Auth: "a-" + name},
	}
}

type fixture struct {
	svc      *Service
	sched    *stubScheduler
	store    *memory.Store
	notifier *stubNotifier
}

func newFixture(t *testing.T, source stubSource) *fixture {
	t.Helper()
	clock := fixedClock{t: time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)}
	f := &fixture{
		sched:    &stubScheduler{},
		store:    memory.New(clock),
		notifier: &stubNotifier{gone: map[string]bool{}},
	}
	svc, err := New(f.sched, source, f.store, f.notifier,
		dispatcher.NewTemplates("高崎線", "", "", clock), zap.NewNop())
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestCheckAndNotifyDelegates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	f.sched.result = linestatus.CheckResult{Status: "平常運転"}
	f.sched.state = linestatus.SchedulerState{IsDelayed: true}

	require.Equal(t, "平常運転", f.svc.CheckAndNotify(context.Background()).Status)
	require.Equal(t, 1, f.sched.calls)
	require.True(t, f.svc.CurrentState().IsDelayed)
}

func TestGetStatusMapsFailures(t *testing.T) {
	t.Parallel()

	cause := &linestatus.ScrapingError{Attempts: 3, Err: linestatus.ErrNavigationTimeout}
	f := newFixture(t, stubSource{err: cause})

	_, err := f.svc.GetStatus(context.Background(), true)
	require.ErrorIs(t, err, ErrFetchUnavailable)
	require.ErrorIs(t, err, linestatus.ErrScrapingExhausted)

	snap := linestatus.Classify("平常運転", "", time.Now())
	f = newFixture(t, stubSource{snap: snap})
	got, err := f.svc.GetStatus(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, snap, got)
}

func TestSubscribeStoresAndConfirms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	require.NoError(t, f.svc.Subscribe(context.Background(), sub("a")))

	n, err := f.svc.SubscriberCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{sub("a").Endpoint}, f.notifier.tests)
}

func TestSubscribeRejectsMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	err := f.svc.Subscribe(context.Background(), linestatus.Subscriber{Endpoint: "https://push.example.com/x"})
	var verr *linestatus.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "keys", verr.Field)
	require.Empty(t, f.notifier.tests)
}

func TestSubscribeGoneRemovesSubscriber(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	f.notifier.testErr = &linestatus.DeliveryError{
		Endpoint:   sub("a").Endpoint,
		StatusCode: 410,
		Err:        linestatus.ErrSubscriptionGone,
	}

	err := f.svc.Subscribe(context.Background(), sub("a"))
	require.ErrorIs(t, err, ErrInvalidSubscription)

	_, ok, err := f.store.Get(context.Background(), sub("a").Endpoint)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscribeKeepsSubscriberOnTransientFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	f.notifier.testErr = &linestatus.DeliveryError{Endpoint: sub("a").Endpoint, StatusCode: 500}

	require.NoError(t, f.svc.Subscribe(context.Background(), sub("a")))
	_, ok, err := f.store.Get(context.Background(), sub("a").Endpoint)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	require.NoError(t, f.store.Add(context.Background(), sub("a")))

	removed, err := f.svc.Unsubscribe(context.Background(), sub("a").Endpoint)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = f.svc.Unsubscribe(context.Background(), sub("a").Endpoint)
	require.NoError(t, err)
	require.False(t, removed)

	_, err = f.svc.Unsubscribe(context.Background(), "")
	var verr *linestatus.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestNotifyBroadcastsAndPrunes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	require.NoError(t, f.store.Add(context.Background(), sub("live")))
	require.NoError(t, f.store.Add(context.Background(), sub("dead")))
	f.notifier.gone[sub("dead").Endpoint] = true

	res, err := f.svc.Notify(context.Background(), "お知らせ", "メンテナンスのお知らせ", "平常運転")
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalSubscribers)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{sub("dead").Endpoint}, res.InvalidEndpoints)

	require.Len(t, f.notifier.broadcast, 1)
	payload := f.notifier.broadcast[0]
	require.Equal(t, "お知らせ", payload.Title)
	require.Equal(t, "メンテナンスのお知らせ", payload.Body)
	require.Equal(t, "平常運転", payload.Data.Status)
	require.Equal(t, dispatcher.DefaultIcon, payload.Icon)

	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNotifyWithoutSubscribers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	res, err := f.svc.Notify(context.Background(), "t", "b", "s")
	require.NoError(t, err)
	require.Zero(t, res.TotalSubscribers)
	require.Empty(t, f.notifier.broadcast)
	require.NotNil(t, res.InvalidEndpoints)
}

func TestNotifyValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubSource{})
	_, err := f.svc.Notify(context.Background(), "", "b", "s")
	var verr *linestatus.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "title", verr.Field)
}

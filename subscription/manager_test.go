package subscription

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
	"github.com/ecologicaleaving/startapp-sub002/realtime/memtransport"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]StatusChangeEvent
}

func (r *recorder) listen(events []StatusChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
}

func (r *recorder) Batches() [][]StatusChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]StatusChangeEvent(nil), r.batches...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newManager(t *testing.T, opts ...Option) (*Manager, *memtransport.Transport, *circuitbreaker.Registry) {
	t.Helper()
	transport := memtransport.New()
	registry := circuitbreaker.NewRegistry()
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithConnectTimeout(200 * time.Millisecond),
		WithBreakerConfig(circuitbreaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			RecoveryTimeout:  time.Hour,
			MaxTimeout:       2 * time.Hour,
		}),
	}, opts...)
	m, err := New(transport, registry, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Cleanup(context.Background()) })
	return m, transport, registry
}

func tournamentNumbers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("T%02d", i+1)
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, circuitbreaker.NewRegistry())
	assert.True(t, errors.IsInvalid(err))

	_, err = New(memtransport.New(), nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestInitialize_Idempotent(t *testing.T) {
	m, _, registry := newManager(t)

	m.Initialize()
	first := registry.Get(BreakerName, circuitbreaker.DefaultConfig())
	first.OnFailure()

	m.Initialize()
	assert.Equal(t, []string{BreakerName}, registry.Names())
	assert.Same(t, first, registry.Get(BreakerName, circuitbreaker.DefaultConfig()))
	assert.Equal(t, 1, first.Snapshot().FailureCount)
	assert.True(t, m.SubscriptionStatus().Initialized)
}

func TestSubscribe_TruncatesToTenAndOpensTwoChannels(t *testing.T) {
	m, transport, _ := newManager(t)

	ok := m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: tournamentNumbers(15)}, nil)
	require.True(t, ok)

	status := m.SubscriptionStatus()
	assert.Equal(t, 10, status.ActiveTournaments)
	assert.Equal(t, 10, status.ActiveMatches)
	assert.Equal(t, 1, status.Subscriptions)
	assert.Equal(t, circuitbreaker.StateClosed, status.CircuitBreakerState)
	assert.Equal(t, 2, transport.OpenChannels())

	regs := transport.Registrations()
	require.Len(t, regs, 2)
	accepted := tournamentNumbers(10)
	assert.Equal(t, realtime.ChangeFilter{
		Event: realtime.EventUpdate, Schema: "public", Table: TournamentTable,
		Filter: realtime.InFilter("no", accepted),
	}, regs[0].Filter)
	assert.Equal(t, realtime.ChangeFilter{
		Event: realtime.EventUpdate, Schema: "public", Table: MatchTable,
		Filter: realtime.InFilter("tournament_no", accepted),
	}, regs[1].Filter)
	assert.Equal(t, realtime.KindPostgresChanges, regs[0].Kind)
	assert.NotContains(t, regs[0].Filter.Filter, "T11")
}

func TestSubscribe_EmptyTournamentList(t *testing.T) {
	m, transport, registry := newManager(t)

	_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"", ""}}, nil)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, transport.OpenChannels())
	assert.Empty(t, registry.Names(), "no breaker consulted")
}

func TestSubscribe_UnknownEventType(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1"}, EventTypes: []EventType{"LOUD"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestSubscribe_BreakerOpenRefusesWithoutChannels(t *testing.T) {
	m, transport, registry := newManager(t)
	b := registry.Get(BreakerName, circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour, MaxTimeout: time.Hour})
	b.OnFailure()
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	ok := m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil)
	assert.False(t, ok)
	assert.Zero(t, transport.OpenChannels())
	assert.Empty(t, transport.Registrations())
	assert.Equal(t, circuitbreaker.StateOpen, m.SubscriptionStatus().CircuitBreakerState)

	_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
}

func TestSubscribe_ChannelErrorReportsFailureAndRemovesChannels(t *testing.T) {
	m, transport, registry := newManager(t)
	transport.FailSubscribe(realtime.StatusChannelError, stderrors.New("join rejected"))

	_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSubscriptionFailed))
	assert.True(t, errors.IsTransient(err))

	assert.Zero(t, transport.OpenChannels())
	assert.Len(t, transport.Removed(), 2)
	assert.Equal(t, 1, registry.Get(BreakerName, circuitbreaker.DefaultConfig()).Snapshot().FailureCount)
	assert.Zero(t, m.SubscriptionStatus().ActiveTournaments)

	assert.False(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil))
	assert.Equal(t, circuitbreaker.StateOpen, m.SubscriptionStatus().CircuitBreakerState)
}

func TestSubscribe_TimesOut(t *testing.T) {
	m, transport, _ := newManager(t, WithConnectTimeout(30*time.Millisecond))
	transport.HangSubscribe()

	_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrChannelTimeout))
	assert.Zero(t, transport.OpenChannels())
}

func TestSubscribe_UnbatchedDeliversSingletons(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))

	transport.Emit(tournamentPayload(
		map[string]any{"no": "T1", "status": "running"},
		map[string]any{"no": "T1", "status": "finished"},
	))
	transport.Emit(tournamentPayload(
		map[string]any{"no": "T9", "status": "running"},
		map[string]any{"no": "T9", "status": "finished"},
	))

	batches := rec.Batches()
	require.Len(t, batches, 1, "T9 is not watched")
	require.Len(t, batches[0], 1)
	assert.Equal(t, EventCompletion, batches[0][0].EventType)
}

func TestSubscribe_UnchangedMatchDeliversNothing(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))

	row := map[string]any{"no": "M1", "tournament_no": "T1", "local_time": "10:00", "court": "Court 1", "status": "scheduled"}
	assert.Equal(t, 1, transport.Emit(matchPayload(row, row)))
	assert.Zero(t, rec.Count())
}

func TestSubscribe_MatchChangeDeliversInformationalEvent(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))

	transport.Emit(matchPayload(
		map[string]any{"no": "M1", "tournament_no": "T1", "local_time": "10:00", "court": "Court 1"},
		map[string]any{"no": "M1", "tournament_no": "T1", "local_time": "11:00", "court": "Court 2"},
	))

	want := []StatusChangeEvent{NewStatusChangeEvent("T1", "M1", EventInformational, PriorityLow,
		map[string]FieldChange{
			"local_time": {Old: "10:00", New: "11:00"},
			"court":      {Old: "Court 1", New: "Court 2"},
		}, fixedNow)}
	batches := rec.Batches()
	require.Len(t, batches, 1)
	if diff := cmp.Diff(want, batches[0], cmp.AllowUnexported(StatusChangeEvent{})); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestBatching_PriorityOrderWithinWindow(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1", "T2"}, EnableBatching: true, BatchDelay: 50 * time.Millisecond}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))

	transport.Emit(tournamentPayload(
		map[string]any{"no": "T1", "name": "Old"},
		map[string]any{"no": "T1", "name": "New"},
	))
	transport.Emit(matchPayload(
		map[string]any{"no": "M7", "tournament_no": "T2", "status": "scheduled"},
		map[string]any{"no": "M7", "tournament_no": "T2", "status": "finished"},
	))
	transport.Emit(tournamentPayload(
		map[string]any{"no": "T2", "status": "running"},
		map[string]any{"no": "T2", "status": "cancelled"},
	))
	assert.Equal(t, 3, m.SubscriptionStatus().QueuedEvents)
	assert.Zero(t, rec.Count())

	require.Eventually(t, func() bool { return rec.Count() == 1 }, time.Second, 5*time.Millisecond)
	batch := rec.Batches()[0]
	got := make([]EventType, len(batch))
	for i, ev := range batch {
		got[i] = ev.EventType
	}
	assert.Equal(t, []EventType{EventCritical, EventCompletion, EventInformational}, got)
	assert.Zero(t, m.SubscriptionStatus().QueuedEvents)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.Count(), "one flush per window")
}

func TestBatching_TiesKeepArrivalOrder(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1"}, EnableBatching: true, BatchDelay: time.Hour}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))

	for _, court := range []string{"Court 2", "Court 3", "Court 4"} {
		transport.Emit(matchPayload(
			map[string]any{"no": court, "tournament_no": "T1", "court": "Court 1"},
			map[string]any{"no": court, "tournament_no": "T1", "court": court},
		))
	}
	m.Flush()

	batches := rec.Batches()
	require.Len(t, batches, 1)
	var order []string
	for _, ev := range batches[0] {
		order = append(order, ev.MatchNo)
	}
	assert.Equal(t, []string{"Court 2", "Court 3", "Court 4"}, order)
}

func TestRemoveStatusListener_QueuedEventsNotDelivered(t *testing.T) {
	m, transport, _ := newManager(t)
	kept, removed := &recorder{}, &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1"}, EnableBatching: true, BatchDelay: 30 * time.Millisecond}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, kept.listen))
	id := m.AddStatusListener(removed.listen)
	require.NotEmpty(t, id)

	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))
	require.True(t, m.RemoveStatusListener(id))
	assert.False(t, m.RemoveStatusListener(id))

	require.Eventually(t, func() bool { return kept.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, removed.Count())
}

func TestDelivery_PanickingListenerIsIsolated(t *testing.T) {
	metrics := metric.NewMetrics()
	m, transport, _ := newManager(t, WithMetrics(metrics))
	before, after := &recorder{}, &recorder{}

	m.AddStatusListener(before.listen)
	m.AddStatusListener(func([]StatusChangeEvent) { panic("listener bug") })
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, after.listen))

	assert.NotPanics(t, func() {
		transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "cancelled"}))
	})
	assert.Equal(t, 1, before.Count())
	assert.Equal(t, 1, after.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ListenerErrors))
}

func TestDelivery_MalformedPayloadDoesNotStopPipeline(t *testing.T) {
	metrics := metric.NewMetrics()
	m, transport, _ := newManager(t, WithMetrics(metrics))
	rec := &recorder{}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))

	var sub *activeSubscription
	m.mu.Lock()
	for _, s := range m.subs {
		sub = s
	}
	m.mu.Unlock()
	require.NotNil(t, sub)

	assert.NotPanics(t, func() {
		m.handleMatch(sub, realtime.Payload{Table: MatchTable})
		m.handleTournament(sub, realtime.Payload{Table: TournamentTable, New: map[string]any{"status": "running"}})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RealtimeMessages.WithLabelValues(MatchTable, "malformed")))

	transport.Emit(matchPayload(
		map[string]any{"tournament_no": "T1", "court": "Court 1"},
		map[string]any{"tournament_no": "T1", "court": "Court 2"},
	))

	assert.Equal(t, 1, rec.Count())
}

func TestDelivery_EventTypeFilter(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1"}, EventTypes: []EventType{EventCritical}}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))

	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))
	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "cancelled"}))

	batches := rec.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, EventCritical, batches[0][0].EventType)
}

func TestDelivery_ReportsMessageSizes(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	monitor, err := metric.NewPerformanceMonitor(registry)
	require.NoError(t, err)
	m, transport, _ := newManager(t, WithPerformanceMonitor(monitor))
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil))

	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))

	n, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "refwatch_realtime_tournament_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanup_TwiceAndWithFailingRemoval(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			m, transport, _ := newManager(t)
			rec := &recorder{}
			cfg := Config{TournamentNumbers: []string{"T1", "T2"}, EnableBatching: true, BatchDelay: 20 * time.Millisecond}
			require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))
			require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T3"}}, nil))
			transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))

			transport.FailRemove(stderrors.New("socket closed"), panics)
			assert.NotPanics(t, func() {
				m.Cleanup(context.Background())
				m.Cleanup(context.Background())
			})

			want := Status{CircuitBreakerState: circuitbreaker.StateClosed}
			if diff := cmp.Diff(want, m.SubscriptionStatus()); diff != "" {
				t.Errorf("status after cleanup (-want +got):\n%s", diff)
			}
			assert.Len(t, transport.Removed(), 4)
			assert.Zero(t, transport.OpenChannels())

			time.Sleep(50 * time.Millisecond)
			assert.Zero(t, rec.Count(), "queued events are dropped")
		})
	}
}

func TestCleanup_ThenSubscribeAgain(t *testing.T) {
	m, transport, _ := newManager(t)
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil))
	m.Cleanup(context.Background())
	assert.False(t, m.SubscriptionStatus().Initialized)

	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, nil))
	assert.Equal(t, 2, transport.OpenChannels())
	assert.True(t, m.SubscriptionStatus().Initialized)
}

func TestUnsubscribe(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	first, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1", "T2"}}, rec.listen)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T2", "T3"}}, nil)
	require.NoError(t, err)

	status := m.SubscriptionStatus()
	assert.Equal(t, 3, status.ActiveTournaments)
	assert.Equal(t, 1, status.Listeners)

	require.NoError(t, m.Unsubscribe(context.Background(), first))
	status = m.SubscriptionStatus()
	assert.Equal(t, 2, status.ActiveTournaments, "T2 is still watched by the second subscription")
	assert.Equal(t, 2, status.ActiveMatches)
	assert.Zero(t, status.Listeners)
	assert.Equal(t, 2, transport.OpenChannels())

	err = m.Unsubscribe(context.Background(), first)
	assert.True(t, errors.Is(err, ErrUnknownSubscription))

	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))
	assert.Zero(t, rec.Count())
}

func TestSubscriptionStatus_AfterInitialize(t *testing.T) {
	m, _, _ := newManager(t)
	m.Initialize()
	got := m.SubscriptionStatus()
	assert.True(t, cmp.Equal(Status{Initialized: true}, got, cmpopts.IgnoreFields(Status{}, "CircuitBreakerState")))
}

func TestCleanup_DuringSubscribeAbandonsSubscription(t *testing.T) {
	m, transport, _ := newManager(t, WithConnectTimeout(time.Second))
	release := transport.GateSubscribe()
	defer release()

	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), Config{TournamentNumbers: []string{"T1", "T2"}}, rec.listen)
		done <- err
	}()
	require.Eventually(t, func() bool { return transport.OpenChannels() == 2 }, time.Second, 5*time.Millisecond)

	m.Cleanup(context.Background())
	release()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))

	if diff := cmp.Diff(Status{}, m.SubscriptionStatus()); diff != "" {
		t.Errorf("status after cleanup (-want +got):\n%s", diff)
	}
	assert.Zero(t, transport.OpenChannels())

	transport.Emit(tournamentPayload(map[string]any{"no": "T1", "status": "running"}, map[string]any{"no": "T1", "status": "finished"}))
	assert.Zero(t, rec.Count())
}

// eagerTransport delivers a change from inside the tournament channel's
// SUBSCRIBED callback, before the manager has seen that status.
type eagerTransport struct {
	*memtransport.Transport
	payload realtime.Payload
}

func (e *eagerTransport) Channel(name string) realtime.Channel {
	return &eagerChannel{Channel: e.Transport.Channel(name), transport: e}
}

func (e *eagerTransport) RemoveChannel(ctx context.Context, ch realtime.Channel) error {
	if c, ok := ch.(*eagerChannel); ok {
		ch = c.Channel
	}
	return e.Transport.RemoveChannel(ctx, ch)
}

type eagerChannel struct {
	realtime.Channel
	transport *eagerTransport
}

func (c *eagerChannel) On(kind string, filter realtime.ChangeFilter, cb func(realtime.Payload)) realtime.Channel {
	c.Channel.On(kind, filter, cb)
	return c
}

func (c *eagerChannel) Subscribe(cb func(realtime.ChannelStatus, error)) realtime.Channel {
	c.Channel.Subscribe(func(status realtime.ChannelStatus, err error) {
		if status == realtime.StatusSubscribed && strings.HasPrefix(c.Name(), "tournament-status-") {
			c.transport.Emit(c.transport.payload)
		}
		cb(status, err)
	})
	return c
}

func TestSubscribe_ChangeBeforeSubscribeReturnsIsDelivered(t *testing.T) {
	transport := &eagerTransport{
		Transport: memtransport.New(),
		payload: tournamentPayload(
			map[string]any{"no": "T1", "status": "running"},
			map[string]any{"no": "T1", "status": "cancelled"},
		),
	}
	m, err := New(transport, circuitbreaker.NewRegistry(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	defer m.Cleanup(context.Background())

	rec := &recorder{}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))

	batches := rec.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, EventCritical, batches[0][0].EventType)
}

func TestSubscribe_FailedSubscriptionLeavesNoListener(t *testing.T) {
	m, transport, _ := newManager(t)
	transport.FailSubscribe(realtime.StatusChannelError, stderrors.New("socket closed"))

	rec := &recorder{}
	assert.False(t, m.SubscribeTournamentStatus(context.Background(), Config{TournamentNumbers: []string{"T1"}}, rec.listen))
	assert.Zero(t, m.SubscriptionStatus().Listeners)
	assert.Zero(t, transport.OpenChannels())
}

func TestBatching_StaleWindowTimerDoesNotFlush(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1"}, EnableBatching: true, BatchDelay: time.Hour}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))

	court := func(no, to string) realtime.Payload {
		return matchPayload(
			map[string]any{"no": no, "tournament_no": "T1", "court": "Court 1"},
			map[string]any{"no": no, "tournament_no": "T1", "court": to},
		)
	}

	transport.Emit(court("M1", "Court 2"))
	m.mu.Lock()
	first := m.window
	m.mu.Unlock()

	m.Flush()
	require.Equal(t, 1, rec.Count())

	// the first window's timer firing late finds nothing of its own
	m.flushWindow(first)
	assert.Equal(t, 1, rec.Count())

	// nor does it steal the next window's events
	transport.Emit(court("M2", "Court 3"))
	m.flushWindow(first)
	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, 1, m.SubscriptionStatus().QueuedEvents)

	m.Flush()
	batches := rec.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "M2", batches[1][0].MatchNo)
}

func TestBatching_FlushRacingTimerDeliversEachEventOnce(t *testing.T) {
	m, transport, _ := newManager(t)
	rec := &recorder{}
	cfg := Config{TournamentNumbers: []string{"T1"}, EnableBatching: true, BatchDelay: time.Millisecond}
	require.True(t, m.SubscribeTournamentStatus(context.Background(), cfg, rec.listen))

	const events = 200
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		no := fmt.Sprintf("M%03d", i)
		transport.Emit(matchPayload(
			map[string]any{"no": no, "tournament_no": "T1", "court": "Court 1"},
			map[string]any{"no": no, "tournament_no": "T1", "court": "Court 2"},
		))
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			m.Flush()
		}()
	}
	wg.Wait()
	m.Flush()

	counts := func() map[string]int {
		seen := make(map[string]int)
		for _, batch := range rec.Batches() {
			for _, ev := range batch {
				seen[ev.MatchNo]++
			}
		}
		return seen
	}
	// a timer flush may still be delivering
	require.Eventually(t, func() bool { return len(counts()) == events }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	for no, n := range counts() {
		assert.Equal(t, 1, n, "match %s delivered %d times", no, n)
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/health"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
	"github.com/ecologicaleaving/startapp-sub002/realtime/memtransport"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
	"github.com/ecologicaleaving/startapp-sub002/tiered"
)

type mockTournaments struct{ mock.Mock }

func (m *mockTournaments) GetTournaments(ctx context.Context, f *model.FilterOptions) (tiered.Result, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(tiered.Result), args.Error(1)
}

func (m *mockTournaments) InvalidateAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockTournaments) InvalidateTournament(ctx context.Context, no string) (int, error) {
	args := m.Called(ctx, no)
	return args.Int(0), args.Error(1)
}

type mockMatches struct{ mock.Mock }

func (m *mockMatches) GetMatches(ctx context.Context, no string) ([]model.Match, error) {
	args := m.Called(ctx, no)
	matches, _ := args.Get(0).([]model.Match)
	return matches, args.Error(1)
}

type fixture struct {
	server      *Server
	tournaments *mockTournaments
	matches     *mockMatches
	manager     *subscription.Manager
	transport   *memtransport.Transport
	health      *health.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := memtransport.New()
	manager, err := subscription.New(transport, circuitbreaker.NewRegistry(),
		subscription.WithConnectTimeout(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Cleanup(context.Background()) })

	f := &fixture{
		tournaments: &mockTournaments{},
		matches:     &mockMatches{},
		manager:     manager,
		transport:   transport,
		health:      health.NewMonitor(),
	}
	reg := metric.NewMetricsRegistry()
	f.server, err = New(f.tournaments,
		WithMatches(f.matches),
		WithSubscriptions(manager),
		WithHealth(f.health),
		WithMetricsHandler("/metrics", reg.Handler()),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNew_RequiresTournaments(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestTournaments_ParsesFiltersAndReturnsResult(t *testing.T) {
	f := newFixture(t)
	fetched := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	want := tiered.Result{
		Data:      []model.Tournament{{No: "MQUI2025", Name: "Beach Pro Tour"}},
		Source:    model.SourceMemory,
		FetchedAt: fetched,
		Key:       "tournaments_year_2025",
	}
	f.tournaments.On("GetTournaments", mock.Anything, mock.MatchedBy(func(o *model.FilterOptions) bool {
		return o.Year != nil && *o.Year == 2025 && o.RecentOnly != nil && *o.RecentOnly
	})).Return(want, nil).Once()

	rec := f.do(t, http.MethodGet, "/api/tournaments?year=2025&recentOnly=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(model.SourceMemory), rec.Header().Get("X-Cache-Source"))
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	got := decode[tiered.Result](t, rec)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.Key, got.Key)
	assert.True(t, want.FetchedAt.Equal(got.FetchedAt))
	f.tournaments.AssertExpectations(t)
}

func TestTournaments_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"no data", errors.WrapInvalid(errors.ErrDataUnavailable, "Orchestrator", "lookup", "origin"), http.StatusNotFound, "no data available"},
		{"origin down", errors.WrapTransient(errors.New("dial tcp 10.0.0.1:443"), "Orchestrator", "lookup", "origin"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{"timeout", errors.WrapTransient(context.DeadlineExceeded, "Orchestrator", "GetTournaments", "wait"), http.StatusGatewayTimeout, "request timeout"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.tournaments.On("GetTournaments", mock.Anything, mock.Anything).Return(tiered.Result{}, tt.err).Once()

			rec := f.do(t, http.MethodGet, "/api/tournaments", nil)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[map[string]any](t, rec)
			assert.Equal(t, tt.msg, body["error"])
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
		})
	}
}

func TestTournaments_BadFilterNeverReachesTiers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tournaments?year=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid filter", decode[map[string]any](t, rec)["error"])
	f.tournaments.AssertNotCalled(t, "GetTournaments", mock.Anything, mock.Anything)
}

func TestMatches(t *testing.T) {
	f := newFixture(t)
	f.matches.On("GetMatches", mock.Anything, "MQUI2025").
		Return([]model.Match{{No: "M1", TournamentNo: "MQUI2025", Court: "Center"}}, nil).Once()
	f.matches.On("GetMatches", mock.Anything, "EMPTY").Return(nil, nil).Once()

	rec := f.do(t, http.MethodGet, "/api/tournaments/MQUI2025/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"court":"Center"`)

	rec = f.do(t, http.MethodGet, "/api/tournaments/EMPTY/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestCacheInvalidation(t *testing.T) {
	f := newFixture(t)
	f.tournaments.On("InvalidateAll", mock.Anything).Return(nil).Once()
	f.tournaments.On("InvalidateTournament", mock.Anything, "MQUI2025").Return(3, nil).Once()

	rec := f.do(t, http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/cache/tournaments/MQUI2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode[map[string]any](t, rec)["invalidated"])
	f.tournaments.AssertExpectations(t)
}

func TestSubscribe_Lifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{
		TournamentNumbers: []string{"MQUI2025", "WBT2025"},
		EventTypes:        []string{"critical"},
		EnableBatching:    true,
		BatchDelay:        50,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[SubscribeResponse](t, rec)
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.SubscriptionID)
	assert.Equal(t, 2, f.transport.OpenChannels())

	rec = f.do(t, http.MethodGet, "/api/subscriptions/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[subscription.Status](t, rec)
	assert.True(t, status.Initialized)
	assert.Equal(t, 1, status.Subscriptions)
	assert.Equal(t, 2, status.ActiveTournaments)

	rec = f.do(t, http.MethodDelete, "/api/subscriptions/"+resp.SubscriptionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, f.transport.OpenChannels())

	rec = f.do(t, http.MethodDelete, "/api/subscriptions/"+resp.SubscriptionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribe_Rejections(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/subscriptions", map[string]any{"tournamentNumbers": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decode[SubscribeResponse](t, rec).Accepted)

	rec = f.do(t, http.MethodPost, "/api/subscriptions", map[string]any{"tournaments": []string{"T1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = f.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{TournamentNumbers: []string{"T1"}, BatchDelay: -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.transport.FailSubscribe(realtime.StatusChannelError, errors.New("upstream refused"))
	rec = f.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{TournamentNumbers: []string{"T1"}})
	assert.GreaterOrEqual(t, rec.Code, http.StatusInternalServerError)
	resp := decode[SubscribeResponse](t, rec)
	assert.False(t, resp.Accepted)
	assert.NotContains(t, resp.Error, "upstream refused")
}

func TestSubscriptions_Cleanup(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/subscriptions", SubscribeRequest{TournamentNumbers: []string{"T1"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/subscriptions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, f.transport.OpenChannels())
	assert.False(t, f.manager.SubscriptionStatus().Initialized)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.health.UpdateHealthy("storage", "ok")

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusHealthy, decode[health.Status](t, rec).Status)

	f.health.Update(subscription.BreakerName, health.FromBreaker(subscription.BreakerName, circuitbreaker.StateOpen))
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[health.Status](t, rec)
	assert.Equal(t, health.StatusUnhealthy, got.Status)
	assert.Len(t, got.SubStatuses, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestOptionalRoutesAbsent(t *testing.T) {
	s, err := New(&mockTournaments{})
	require.NoError(t, err)

	for _, path := range []string{"/api/subscriptions/status", "/health", "/ws/status", "/api/tournaments/T1/matches"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t)
	addr, err := f.server.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/api/subscriptions/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	require.NoError(t, f.server.Shutdown(ctx), "second shutdown is a no-op")

	_, err = http.Get("http://" + addr.String() + "/api/subscriptions/status")
	assert.Error(t, err)
}

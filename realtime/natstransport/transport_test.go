package natstransport

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

type fakeConn struct {
	mu           sync.Mutex
	published    map[string][]byte
	subscribeErr error
	subjects     []string
}

func (f *fakeConn) Subscribe(_ context.Context, subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil, f.subscribeErr
}

func (f *fakeConn) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][]byte)
	}
	f.published[subject] = data
	return nil
}

func (f *fakeConn) Flush(context.Context) error { return nil }

func subscribeResult(t *testing.T, ch realtime.Channel) (realtime.ChannelStatus, error) {
	t.Helper()
	type result struct {
		status realtime.ChannelStatus
		err    error
	}
	done := make(chan result, 1)
	ch.Subscribe(func(s realtime.ChannelStatus, err error) { done <- result{s, err} })
	select {
	case r := <-done:
		return r.status, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe status")
		return "", nil
	}
}

func TestTransport_Subject(t *testing.T) {
	tr := New(&fakeConn{})

	assert.Equal(t, "realtime.public.matches.*",
		tr.Subject(realtime.ChangeFilter{Event: realtime.EventAll, Schema: "public", Table: "matches"}))
	assert.Equal(t, "realtime.public.tournaments.UPDATE",
		tr.Subject(realtime.ChangeFilter{Event: realtime.EventUpdate, Table: "tournaments"}))
	assert.Equal(t, "rw.audit_v2.*.*",
		New(&fakeConn{}, WithPrefix("rw")).Subject(realtime.ChangeFilter{Schema: "audit.v2"}))
}

func TestTransport_Publish(t *testing.T) {
	conn := &fakeConn{}
	tr := New(conn)

	err := tr.Publish(context.Background(), realtime.Payload{
		EventType: realtime.EventUpdate,
		Table:     "matches",
		New:       map[string]any{"no": "M1", "court": "Court 2"},
		Old:       map[string]any{"no": "M1", "court": "Court 1"},
	})
	require.NoError(t, err)

	data, ok := conn.published["realtime.public.matches.UPDATE"]
	require.True(t, ok)
	p := decode(data)
	assert.Equal(t, "Court 2", p.New["court"])
	assert.Equal(t, data, p.Raw)

	err = tr.Publish(context.Background(), realtime.Payload{Table: "matches"})
	assert.True(t, errors.IsInvalid(err))
}

func TestTransport_SubscribeFailureReportsChannelError(t *testing.T) {
	conn := &fakeConn{subscribeErr: stderrors.New("permissions violation")}
	tr := New(conn)

	ch := tr.Channel("tournaments-1").On(realtime.KindPostgresChanges,
		realtime.ChangeFilter{Event: realtime.EventAll, Table: "tournaments", Filter: "no=in.(T1)"},
		func(realtime.Payload) {})

	status, err := subscribeResult(t, ch)
	assert.Equal(t, realtime.StatusChannelError, status)
	require.Error(t, err)
	assert.Equal(t, []string{"realtime.public.tournaments.*"}, conn.subjects)
}

func TestTransport_SubscribeRejectsBadFilter(t *testing.T) {
	conn := &fakeConn{}
	ch := New(conn).Channel("bad").On(realtime.KindPostgresChanges,
		realtime.ChangeFilter{Table: "matches", Filter: "no=like.x"}, func(realtime.Payload) {})

	status, err := subscribeResult(t, ch)
	assert.Equal(t, realtime.StatusChannelError, status)
	assert.True(t, errors.Is(err, errors.ErrInvalidFilter))
	assert.Empty(t, conn.subjects)
}

func TestTransport_SubscribeAfterRemove(t *testing.T) {
	tr := New(&fakeConn{})
	ch := tr.Channel("gone")
	require.NoError(t, tr.RemoveChannel(context.Background(), ch))

	status, err := subscribeResult(t, ch)
	assert.Equal(t, realtime.StatusClosed, status)
	assert.True(t, errors.Is(err, errors.ErrSubscriptionFailed))
}

func TestTransport_HandlerFiltersRows(t *testing.T) {
	ch := &Channel{name: "x"}
	row, err := realtime.ParseFilter("tournament_no=in.(T1)")
	require.NoError(t, err)

	var got []realtime.Payload
	h := ch.handler(binding{row: row, cb: func(p realtime.Payload) { got = append(got, p) }})

	h(&nats.Msg{Data: []byte(`{"eventType":"UPDATE","table":"matches","new":{"tournament_no":"T1"}}`)})
	h(&nats.Msg{Data: []byte(`{"eventType":"UPDATE","table":"matches","new":{"tournament_no":"T2"}}`)})
	h(&nats.Msg{Data: []byte(`not json`)})

	require.Len(t, got, 2)
	assert.Equal(t, "T1", got[0].New["tournament_no"])
	assert.True(t, got[1].Empty(), "undecodable data is passed on as an empty payload")
	assert.Equal(t, []byte("not json"), got[1].Raw)
}

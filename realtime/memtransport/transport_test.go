package memtransport

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

func waitStatus(t *testing.T, ch realtime.Channel) (realtime.ChannelStatus, error) {
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
	case <-time.After(time.Second):
		t.Fatal("no subscribe status")
		return "", nil
	}
}

func TestTransport_EmitRoutesByTableAndRowFilter(t *testing.T) {
	tr := New()
	var got []realtime.Payload

	ch := tr.Channel("matches-1").On(realtime.KindPostgresChanges, realtime.ChangeFilter{
		Event:  realtime.EventAll,
		Schema: "public",
		Table:  "matches",
		Filter: "tournament_no=in.(T1,T2)",
	}, func(p realtime.Payload) { got = append(got, p) })

	assert.Zero(t, tr.Emit(realtime.Payload{Table: "matches", New: map[string]any{"tournament_no": "T1"}}),
		"bindings are inactive before subscribe")

	status, err := waitStatus(t, ch)
	require.NoError(t, err)
	require.Equal(t, realtime.StatusSubscribed, status)

	assert.Equal(t, 1, tr.Emit(realtime.Payload{EventType: "UPDATE", Table: "matches", New: map[string]any{"tournament_no": "T1"}}))
	assert.Equal(t, 0, tr.Emit(realtime.Payload{EventType: "UPDATE", Table: "matches", New: map[string]any{"tournament_no": "T9"}}))
	assert.Equal(t, 0, tr.Emit(realtime.Payload{EventType: "UPDATE", Table: "tournaments", New: map[string]any{"no": "T1"}}))
	assert.Len(t, got, 1)

	regs := tr.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "matches-1", regs[0].Channel)
	assert.Equal(t, "matches", regs[0].Filter.Table)
}

func TestTransport_FailSubscribe(t *testing.T) {
	tr := New()
	boom := stderrors.New("socket closed")
	tr.FailSubscribe(realtime.StatusChannelError, boom)

	status, err := waitStatus(t, tr.Channel("x"))
	assert.Equal(t, realtime.StatusChannelError, status)
	assert.ErrorIs(t, err, boom)

	tr.Reset()
	status, err = waitStatus(t, tr.Channel("y"))
	assert.Equal(t, realtime.StatusSubscribed, status)
	assert.NoError(t, err)
}

func TestTransport_RemoveChannel(t *testing.T) {
	tr := New()
	ch := tr.Channel("x")
	tr.Channel("y")
	require.Equal(t, 2, tr.OpenChannels())

	require.NoError(t, tr.RemoveChannel(context.Background(), ch))
	assert.Equal(t, 1, tr.OpenChannels())
	assert.Equal(t, []string{"x"}, tr.Removed())

	tr.FailRemove(stderrors.New("already closed"), false)
	err := tr.RemoveChannel(context.Background(), tr.Channel("z"))
	assert.Error(t, err)
	assert.Equal(t, 1, tr.OpenChannels())

	tr.FailRemove(nil, true)
	assert.Panics(t, func() { _ = tr.RemoveChannel(context.Background(), tr.Channel("p")) })
}

func TestTransport_GateSubscribe(t *testing.T) {
	tr := New()
	release := tr.GateSubscribe()

	ch := tr.Channel("x").On(realtime.KindPostgresChanges, realtime.ChangeFilter{Table: "matches"}, func(realtime.Payload) {})
	done := make(chan realtime.ChannelStatus, 1)
	ch.Subscribe(func(s realtime.ChannelStatus, _ error) { done <- s })

	select {
	case <-done:
		t.Fatal("status reported before release")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Zero(t, tr.Emit(realtime.Payload{Table: "matches"}), "held channels receive nothing")

	release()
	release()
	select {
	case s := <-done:
		assert.Equal(t, realtime.StatusSubscribed, s)
	case <-time.After(time.Second):
		t.Fatal("no status after release")
	}
	assert.Equal(t, 1, tr.Emit(realtime.Payload{Table: "matches"}))
}

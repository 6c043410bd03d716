package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecologicaleaving/startapp-sub002/realtime"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
)

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStatusStream_DeliversBatches(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	conn := dialStream(t, srv)
	hello := readFrame(t, conn)
	require.Equal(t, StreamHello, hello.Type)
	require.NotNil(t, hello.Status)
	assert.Equal(t, 1, hello.Status.Listeners)

	require.True(t, f.manager.SubscribeTournamentStatus(context.Background(),
		subscription.Config{TournamentNumbers: []string{"MQUI2025"}}, nil))

	f.transport.Emit(realtime.Payload{
		EventType: realtime.EventUpdate,
		Schema:    realtime.DefaultSchema,
		Table:     subscription.TournamentTable,
		Old:       map[string]any{"no": "MQUI2025", "status": "running"},
		New:       map[string]any{"no": "MQUI2025", "status": "cancelled"},
	})

	msg := readFrame(t, conn)
	require.Equal(t, StreamEvents, msg.Type)
	require.Len(t, msg.Events, 1)
	ev := msg.Events[0]
	assert.Equal(t, "MQUI2025", ev.TournamentNo)
	assert.Equal(t, subscription.EventCritical, ev.EventType)
	assert.Equal(t, subscription.PriorityHigh, ev.Priority)
	change, ok := ev.Change("status")
	require.True(t, ok)
	assert.Equal(t, "cancelled", change.New)
}

func TestStatusStream_ListenerRemovedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	conn := dialStream(t, srv)
	readFrame(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return f.manager.SubscriptionStatus().Listeners == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusStream_ShutdownClosesStreams(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	conn := dialStream(t, srv)
	readFrame(t, conn)

	require.NoError(t, f.server.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

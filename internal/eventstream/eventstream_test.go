package eventstream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBroadcast_DeliversToConnectedClient(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)

	require.Eventually(t, func() bool { return h.Size() == 1 }, time.Second, 10*time.Millisecond)

	h.Broadcast(Event{OK: true, DurationMS: 42, LogCount: 2, Timestamp: 1})

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.True(t, ev.OK)
	require.EqualValues(t, 42, ev.DurationMS)
}

func TestRemove_DropsDisconnectedClient(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Size() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.Size() == 0 }, time.Second, 10*time.Millisecond)
}

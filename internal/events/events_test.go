package events

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCount_StartsAtZero(t *testing.T) {
	h := NewHub()
	go h.Run()
	assert.Equal(t, 0, h.ClientCount())
}

func TestBroadcast_DeliversToConnectedClient(t *testing.T) {
	h := NewHub()
	go h.Run()

	server := httptest.NewServer(h)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the register message a moment to land before broadcasting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ClientCount())

	h.Broadcast(TicketEvent{Jail: "sshd", IP: "10.0.0.1", Family: "v4", Action: "ban", Attempts: 3, At: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"ip":"10.0.0.1"`)
	assert.Contains(t, string(msg), `"action":"ban"`)
}

func TestServeHTTP_RejectsNonWebsocketRequest(t *testing.T) {
	h := NewHub()
	go h.Run()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusSwitchingProtocols, rec.Code)
}

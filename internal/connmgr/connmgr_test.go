package connmgr

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// dialPair spins up a test WebSocket server and returns the server-side
// connection (registered with the manager) and a client dialer connection
// used to observe what the server sends.
func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	var serverConnCh = make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	return serverConn, clientConn
}

func TestAddSessionReplacesExistingSessionForSamePseudonym(t *testing.T) {
	m := New()
	conn1, client1 := dialPair(t)
	conn2, client2 := dialPair(t)
	defer client1.Close()
	defer client2.Close()

	m.AddSession("s1", "pseudonym-a", conn1)
	if m.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", m.SessionCount())
	}

	m.AddSession("s2", "pseudonym-a", conn2)
	if m.SessionCount() != 1 {
		t.Fatalf("expected old session to be replaced, session count = %d", m.SessionCount())
	}
	if m.sessions["s1"] != nil {
		t.Fatal("expected s1 to have been removed")
	}
}

func TestBroadcastDeliversToSubscribedSessions(t *testing.T) {
	m := New()
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	m.AddSession("s1", "pseudonym-a", serverConn)
	m.Subscribe("s1", "channel-1")

	m.Broadcast("channel-1", map[string]string{"event": "hello"})

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("expected to receive a broadcast message: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("expected payload to contain 'hello', got %q", data)
	}
}

func TestBroadcastSkipsUnsubscribedSessions(t *testing.T) {
	m := New()
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	m.AddSession("s1", "pseudonym-a", serverConn)
	// Not subscribed to channel-1.
	m.Broadcast("channel-1", map[string]string{"event": "hello"})

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := clientConn.ReadMessage()
	if err == nil {
		t.Fatal("expected no message for an unsubscribed session")
	}
}

func TestRemoveSessionPurgesChannelSubscriptions(t *testing.T) {
	m := New()
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	m.AddSession("s1", "pseudonym-a", serverConn)
	m.Subscribe("s1", "channel-1")
	if m.ChannelSubscriberCount("channel-1") != 1 {
		t.Fatal("expected 1 subscriber before removal")
	}

	m.RemoveSession("s1", ReasonServerClosing)
	if m.ChannelSubscriberCount("channel-1") != 0 {
		t.Fatal("expected 0 subscribers after removal")
	}
	if m.SessionCount() != 0 {
		t.Fatal("expected 0 sessions after removal")
	}
}

func TestUnsubscribeRemovesOnlyThatChannel(t *testing.T) {
	m := New()
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	m.AddSession("s1", "pseudonym-a", serverConn)
	m.Subscribe("s1", "channel-1")
	m.Subscribe("s1", "channel-2")

	m.Unsubscribe("s1", "channel-1")
	if m.ChannelSubscriberCount("channel-1") != 0 {
		t.Fatal("expected channel-1 subscription removed")
	}
	if m.ChannelSubscriberCount("channel-2") != 1 {
		t.Fatal("expected channel-2 subscription to remain")
	}
}

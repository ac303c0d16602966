package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vworld/internal/channel"
)

var upgrader = websocket.Upgrader{}

func newTestServerConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	var serverConn *websocket.Conn
	accepted := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = conn
		close(accepted)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	<-accepted
	return serverConn, clientConn
}

func TestAddChannelPumpsOutboundText(t *testing.T) {
	serverConn, clientConn := newTestServerConn(t)

	comm := NewWebsocketCommunication(nil)
	session := EntityID{Site: 1, Entity: uuid.New()}
	comm.Register(session, serverConn, false)

	out := channel.NewText("out", nil)
	out.Unblock(0)
	if err := comm.AddChannel(context.Background(), session, out, true); err != nil {
		t.Fatalf("add channel: %v", err)
	}

	if err := out.SendLine("hello there"); err != nil {
		t.Fatalf("send line: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello there" {
		t.Fatalf("got %q, want %q", msg, "hello there")
	}
}

func TestAddChannelForwardsInboundLines(t *testing.T) {
	serverConn, clientConn := newTestServerConn(t)

	comm := NewWebsocketCommunication(nil)
	session := EntityID{Site: 1, Entity: uuid.New()}
	comm.Register(session, serverConn, false)

	received := make(chan string, 1)
	sink := sinkFunc(func(line string) error {
		received <- line
		return nil
	})
	if err := comm.AddChannel(context.Background(), session, sink, false); err != nil {
		t.Fatalf("add channel: %v", err)
	}

	if err := clientConn.WriteMessage(websocket.TextMessage, []byte("look")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case line := <-received:
		if line != "look" {
			t.Fatalf("got %q, want %q", line, "look")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound line was not forwarded")
	}
}

func TestDisconnectSessionRemovesFromRegistry(t *testing.T) {
	serverConn, _ := newTestServerConn(t)

	comm := NewWebsocketCommunication(nil)
	session := EntityID{Site: 1, Entity: uuid.New()}
	comm.Register(session, serverConn, true)

	if err := comm.DisconnectSession(context.Background(), session); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if _, err := comm.Stats(context.Background(), session); err == nil {
		t.Fatal("expected stats lookup to fail after disconnect")
	}
}

type sinkFunc func(string) error

func (f sinkFunc) SendLine(s string) error { return f(s) }

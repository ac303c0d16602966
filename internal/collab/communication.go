package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"vworld/internal/channel"
	"vworld/internal/logging"
)

// TextSink is the minimal surface the communication collaborator needs on
// a channel to pump outbound frames into it: a text channel's SendLine, or
// any adapter presenting the same shape.
type TextSink interface {
	SendLine(string) error
}

// session tracks one connected websocket client.
type session struct {
	conn     *websocket.Conn
	enhanced bool
	done     chan struct{}
}

// WebsocketCommunication is a concrete Communication implementation
// bridging network sessions to text channels over gorilla/websocket.
// AddChannel's direction selects the wiring: an inbound sink gets its own
// read pump goroutine, an outbound text channel gets a receiver callback
// that writes each item to the socket directly.
type WebsocketCommunication struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[EntityID]*session
}

// NewWebsocketCommunication constructs an empty session registry.
func NewWebsocketCommunication(logger *slog.Logger) *WebsocketCommunication {
	return &WebsocketCommunication{
		logger:   logging.Default(logger).With("component", "communication"),
		sessions: make(map[EntityID]*session),
	}
}

// Register associates a live websocket connection with a session entity.
// Called by the listener accept loop once the upgrade completes.
func (c *WebsocketCommunication) Register(sessionID EntityID, conn *websocket.Conn, enhancedClient bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = &session{conn: conn, enhanced: enhancedClient, done: make(chan struct{})}
}

// AddChannel wires ch to the session's socket. directionToClient true means
// ch is a text channel whose Send calls should reach the client: its
// receiver callback is set to write frames straight to the socket.
// directionToClient false means ch is the session's input sink: a read
// pump goroutine forwards every incoming socket frame to it.
func (c *WebsocketCommunication) AddChannel(ctx context.Context, sessionID EntityID, ch any, directionToClient bool) error {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("communication: unknown session %s", sessionID)
	}

	if directionToClient {
		text, ok := ch.(*channel.Text)
		if !ok {
			return fmt.Errorf("communication: outbound channel is not a text channel")
		}
		text.SetReceiverCallback(func(item any) error {
			frags, ok := item.([]channel.Fragment)
			if !ok {
				return fmt.Errorf("communication: unexpected outbound item %T", item)
			}
			return s.conn.WriteMessage(websocket.TextMessage, []byte(channel.Line(frags)))
		})
		return nil
	}

	sink, ok := ch.(TextSink)
	if !ok {
		return fmt.Errorf("communication: input channel does not implement TextSink")
	}

	go c.readPump(sessionID, s, sink)
	return nil
}

func (c *WebsocketCommunication) readPump(sessionID EntityID, s *session, sink TextSink) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			c.logger.Info("session read ended", "session", sessionID, "error", err)
			_ = c.DisconnectSession(context.Background(), sessionID)
			return
		}
		if err := sink.SendLine(string(msg)); err != nil {
			c.logger.Warn("forward to input channel failed", "session", sessionID, "error", err)
		}
	}
}

// DisconnectSession closes the session's socket and removes it from the registry.
func (c *WebsocketCommunication) DisconnectSession(ctx context.Context, sessionID EntityID) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	close(s.done)
	return s.conn.Close()
}

// Stats reports whether the session's client negotiated enhanced (data
// channel capable) mode.
func (c *WebsocketCommunication) Stats(ctx context.Context, sessionID EntityID) (SessionStats, error) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return SessionStats{}, fmt.Errorf("communication: unknown session %s", sessionID)
	}
	return SessionStats{EnhancedClient: s.enhanced}, nil
}

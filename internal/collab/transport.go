package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"listy/api/internal/store"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageContentRunes = 2000
)

// MessageSink persists a chat message before it is relayed. The returned
// record carries the sender summary the relay payload embeds.
type MessageSink interface {
	SaveMessage(ctx context.Context, listID, senderID, content string) (store.Message, error)
}

type joinPayload struct {
	ListID string `json:"listId"`
	Token  string `json:"token"`
}

type joinedPayload struct {
	ListID     string `json:"listId"`
	ServerTime string `json:"serverTime"`
}

type leftPayload struct {
	ListID string `json:"listId"`
}

type sendPayload struct {
	Content string `json:"content"`
}

type messagePayload struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	ID      string     `json:"id"`
	ListID  string     `json:"listId"`
	Content string     `json:"content"`
	SentAt  string     `json:"sentAt"`
	Sender  wireSender `json:"sender"`
}

type wireSender struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

type errorEnvelope struct {
	Error wireError `json:"error"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsSession is one connection's view of the room layer. Identity is set by
// the most recent successful join; a connection that never joined has none.
type wsSession struct {
	mu       sync.Mutex
	peer     *peer
	room     *listRoom
	identity Identity
}

func newWSSession(p *peer) *wsSession {
	return &wsSession{peer: p}
}

func (s *wsSession) setRoom(next *listRoom, identity Identity) *listRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.identity = identity
	s.mu.Unlock()
	return previous
}

func (s *wsSession) current() (*listRoom, Identity) {
	s.mu.Lock()
	room := s.room
	identity := s.identity
	s.mu.Unlock()
	return room, identity
}

// NewHandler returns the websocket endpoint. Authorization happens per
// join frame, not at upgrade time, so one connection can move between
// rooms and each move gets a fresh access check.
func NewHandler(hub *Hub, authorizer Authorizer, sink MessageSink) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleConn(conn, hub, authorizer, sink)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

func handleConn(conn *websocket.Conn, hub *Hub, authorizer Authorizer, sink MessageSink) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	session := newWSSession(newPeer(json.NewEncoder(conn)))
	defer func() {
		if room, _ := session.current(); room != nil {
			room.leave(session.peer)
			hub.release(room.listID)
		}
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(f.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, f.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch f.Type {
		case "list.join":
			handleJoinFrame(ctx, session, hub, authorizer, f)
		case "list.leave":
			handleLeaveFrame(session, hub, f)
		case "message.send":
			handleSendFrame(ctx, session, sink, f)
		default:
			_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, hub *Hub, authorizer Authorizer, f frame) {
	var payload joinPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	listID := strings.TrimSpace(payload.ListID)
	if listID == "" {
		_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "listId is required")
		return
	}

	identity, err := authorizer.Authorize(ctx, listID, payload.Token)
	if err != nil {
		// Admission failures go to the requesting connection only and
		// never touch the room's other members.
		switch {
		case errors.Is(err, ErrUnauthenticated):
			_ = writeWSError(session.peer, f.RequestID, "UNAUTHENTICATED", "valid token required")
		case errors.Is(err, ErrForbidden):
			_ = writeWSError(session.peer, f.RequestID, "FORBIDDEN", "list access denied")
		case errors.Is(err, ErrListNotFound):
			_ = writeWSError(session.peer, f.RequestID, "NOT_FOUND", "list not found")
		default:
			log.Printf("collab: join authorization failed list=%q err=%v", listID, err)
			_ = writeWSError(session.peer, f.RequestID, "UNAVAILABLE", "authorization check unavailable")
		}
		return
	}

	room := hub.join(listID, session.peer)
	previous := session.setRoom(room, identity)
	if previous != nil && previous != room {
		previous.leave(session.peer)
		hub.release(previous.listID)
	}

	_ = session.peer.writeFrame(frame{
		Type:      "list.joined",
		RequestID: f.RequestID,
		Payload: mustJSON(joinedPayload{
			ListID:     listID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func handleLeaveFrame(session *wsSession, hub *Hub, f frame) {
	room, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, f.RequestID, "FAILED_PRECONDITION", "not in a list room")
		return
	}

	session.setRoom(nil, Identity{})
	room.leave(session.peer)
	hub.release(room.listID)

	_ = session.peer.writeFrame(frame{
		Type:      "list.left",
		RequestID: f.RequestID,
		Payload:   mustJSON(leftPayload{ListID: room.listID}),
	})
}

func handleSendFrame(ctx context.Context, session *wsSession, sink MessageSink, f frame) {
	var payload sendPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "content is required")
		return
	}
	if utf8.RuneCountInString(content) > maxMessageContentRunes {
		_ = writeWSError(session.peer, f.RequestID, "INVALID_ARGUMENT", "content must be at most 2000 characters")
		return
	}

	room, identity := session.current()
	if room == nil {
		_ = writeWSError(session.peer, f.RequestID, "FAILED_PRECONDITION", "must join a list room before sending")
		return
	}

	msg, err := sink.SaveMessage(ctx, room.listID, identity.UserID, content)
	if err != nil {
		log.Printf("collab: persist message failed list=%q err=%v", room.listID, err)
		_ = writeWSError(session.peer, f.RequestID, "UNAVAILABLE", "message could not be stored")
		return
	}

	sender := wireSender{ID: msg.Sender.ID, Name: msg.Sender.Name, Picture: msg.Sender.Picture}
	if sender.ID == "" {
		sender.ID = identity.UserID
		sender.Name = identity.Name
	}

	// The relay snapshot includes the sender itself.
	messageFrame := frame{
		Type: "message.received",
		Payload: mustJSON(messagePayload{
			Message: wireMessage{
				ID:      msg.ID,
				ListID:  room.listID,
				Content: msg.Content,
				SentAt:  msg.CreatedAt.UTC().Format(time.RFC3339),
				Sender:  sender,
			},
		}),
	}
	for _, subscriber := range room.snapshot() {
		_ = subscriber.writeFrame(messageFrame)
	}
}

func writeWSError(p *peer, requestID string, code string, message string) error {
	return p.writeFrame(frame{
		Type:      "list.error",
		RequestID: requestID,
		Payload: mustJSON(errorEnvelope{
			Error: wireError{Code: code, Message: message},
		}),
	})
}

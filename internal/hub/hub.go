package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vodmark/internal/observability/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	// maxMissedPongs is the number of unanswered liveness probes tolerated
	// before a session is force-closed.
	maxMissedPongs = 2

	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
	sendBuffer     = 16
)

// Config configures a broadcast Hub.
type Config struct {
	// AllowedOrigins lists the Origin values allowed to upgrade. "*" or an
	// empty list admits every origin; requests without an Origin header
	// (non-browser clients) are always admitted.
	AllowedOrigins []string
	// HeartbeatInterval controls how often the hub probes each session with
	// a WebSocket ping control frame. A zero value picks the default.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Hub relays JSON messages between every participant watching the same
// stream. Rooms are created on first join and removed when the last
// participant leaves.
type Hub struct {
	logger            *slog.Logger
	metrics           *metrics.Recorder
	allowedOrigins    []string
	allowAllOrigins   bool
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*session]struct{}
}

// New initialises a hub using the provided configuration.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	h := &Hub{
		logger:            logger,
		metrics:           recorder,
		heartbeatInterval: interval,
		rooms:             make(map[string]map[*session]struct{}),
	}
	h.allowAllOrigins = len(cfg.AllowedOrigins) == 0
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			h.allowAllOrigins = true
			continue
		}
		h.allowedOrigins = append(h.allowedOrigins, strings.ToLower(strings.TrimRight(trimmed, "/")))
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin is validated before the upgrade so the handler can control
		// the response.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// HandleConnection validates the request and upgrades it to a WebSocket
// session joined to the room named by the streamId query parameter.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSpace(r.URL.Query().Get("streamId"))
	if streamID == "" {
		http.Error(w, "streamId query parameter is required", http.StatusBadRequest)
		return
	}
	if !h.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		h.logger.Warn("websocket upgrade failed", "error", err, "stream_id", streamID)
		return
	}

	s := &session{
		hub:      h,
		conn:     conn,
		streamID: streamID,
		send:     make(chan []byte, sendBuffer),
		pongs:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	h.join(s)
	h.metrics.ObserveHubMessage("joined")

	go s.writeLoop(h.heartbeatInterval)
	go s.readLoop()

	s.enqueue(mustMarshal(map[string]any{
		"type":      "joined",
		"streamId":  streamID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
}

// Rooms reports the current participant count per stream.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snapshot := make(map[string]int, len(h.rooms))
	for streamID, sessions := range h.rooms {
		snapshot[streamID] = len(sessions)
	}
	return snapshot
}

// Close force-closes every connected session. Used during shutdown; the
// http.Server drain does not reach hijacked WebSocket connections.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*session, 0)
	for _, room := range h.rooms {
		for s := range room {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) originAllowed(origin string) bool {
	if origin == "" || h.allowAllOrigins {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	normalized := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	for _, allowed := range h.allowedOrigins {
		if normalized == allowed {
			return true
		}
	}
	return false
}

func (h *Hub) join(s *session) {
	h.mu.Lock()
	if h.rooms[s.streamID] == nil {
		h.rooms[s.streamID] = make(map[*session]struct{})
	}
	h.rooms[s.streamID][s] = struct{}{}
	rooms, participants := h.countLocked()
	h.mu.Unlock()
	h.metrics.SetRooms(rooms, participants)
}

func (h *Hub) leave(s *session) {
	h.mu.Lock()
	if sessions := h.rooms[s.streamID]; sessions != nil {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.rooms, s.streamID)
		}
	}
	rooms, participants := h.countLocked()
	h.mu.Unlock()
	h.metrics.SetRooms(rooms, participants)
}

func (h *Hub) countLocked() (rooms, participants int) {
	rooms = len(h.rooms)
	for _, sessions := range h.rooms {
		participants += len(sessions)
	}
	return rooms, participants
}

// broadcast delivers payload to every participant in the room. Sessions with
// a full send buffer are skipped rather than awaited.
func (h *Hub) broadcast(streamID string, payload []byte) {
	h.mu.RLock()
	recipients := make([]*session, 0, len(h.rooms[streamID]))
	for s := range h.rooms[streamID] {
		recipients = append(recipients, s)
	}
	h.mu.RUnlock()
	for _, s := range recipients {
		s.enqueue(payload)
	}
	h.metrics.ObserveHubMessage("broadcast")
}

type session struct {
	hub      *Hub
	conn     *websocket.Conn
	streamID string
	send     chan []byte
	pongs    chan struct{}
	done     chan struct{}
	closed   sync.Once
}

func (s *session) enqueue(payload []byte) {
	select {
	case s.send <- payload:
	case <-s.done:
	default:
	}
}

func (s *session) readLoop() {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil || msg == nil {
			// Malformed traffic is dropped without feedback.
			s.hub.metrics.ObserveHubMessage("malformed")
			continue
		}
		if kind, _ := msg["type"].(string); kind == "ping" {
			s.enqueue(mustMarshal(map[string]any{"type": "pong"}))
			s.hub.metrics.ObserveHubMessage("ping")
			continue
		}
		msg["streamId"] = s.streamID
		msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		s.hub.broadcast(s.streamID, mustMarshal(msg))
	}
}

// writeLoop owns all writes to the connection: queued payloads plus the
// liveness probes. A pong resets the miss counter; maxMissedPongs consecutive
// unanswered probes end the session.
func (s *session) writeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	missed := 0
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.pongs:
			missed = 0
		case <-ticker.C:
			select {
			case <-s.pongs:
				missed = 0
			default:
			}
			if missed >= maxMissedPongs {
				s.hub.logger.Info("closing unresponsive session", "stream_id", s.streamID)
				return
			}
			missed++
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	s.closed.Do(func() {
		close(s.done)
		s.hub.leave(s)
		_ = s.conn.Close()
	})
}

func mustMarshal(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// All hub payloads are maps of JSON-safe values.
		panic(err)
	}
	return payload
}

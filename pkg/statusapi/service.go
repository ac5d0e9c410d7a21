// Package statusapi serves the agent status over HTTP and streams
// scheduler events to websocket clients.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/scheduler"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/units"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Status is read-only and served on the local network
	},
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

type Server struct {
	status  StatusSource
	records RecordSource
	profile *profile.Profile
	metrics http.Handler
	log     *logrus.Entry

	clientsMu sync.RWMutex
	clients   map[*client]bool
	done      chan struct{}
	closeOnce sync.Once
}

// New builds the server. metrics may be nil to leave /metrics out.
func New(status StatusSource, records RecordSource, p *profile.Profile, metrics http.Handler, log *logrus.Entry) *Server {
	return &Server{
		status:  status,
		records: records,
		profile: p,
		metrics: metrics,
		log:     log.WithField("component", "statusapi"),
		clients: make(map[*client]bool),
		done:    make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		st := s.status.Status()
		state := "stopped"
		if st.Running {
			state = "running"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Flowmeter Telemetry Agent",
			"status":  state,
		})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status.Status())
	})
	mux.HandleFunc("/latest", s.handleLatest)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// handleLatest serves the last snapshot. ?unit= converts every value
// whose register unit converts to it.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Status().Latest
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No readings available yet",
		})
		return
	}
	target := r.URL.Query().Get("unit")

	resp := LatestResponse{TakenAt: snap.TakenAt}
	for _, name := range snap.Names() {
		v, _ := snap.Get(name)
		entry := LatestRegister{Name: name, Kind: v.Kind.String()}
		if err := snap.Err(name); err != nil {
			entry.Error = err.Error()
		}
		if s.profile != nil {
			if reg, ok := s.profile.Register(name); ok {
				entry.Unit = reg.Unit
			}
		}
		entry.Value = v
		if n, ok := v.Number(); ok && target != "" && entry.Unit != "" {
			if converted, err := units.Convert(n, entry.Unit, target); err == nil {
				entry.Value = converted
				entry.Unit = target
			}
		}
		resp.Registers = append(resp.Registers, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecordLimit)
	}
	records, err := s.records.RecentRecords(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Warn("Could not list records")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []pendingqueue.LogEntry{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	c := &client{conn: conn}
	s.addClient(c)

	// Send the current status immediately
	if data, err := json.Marshal(statusMessage(s.status.Status())); err == nil {
		c.write(websocket.TextMessage, data)
	}

	stopPing := make(chan struct{})
	go s.keepAlive(c, stopPing)

	// Keep connection alive until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(stopPing)
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) keepAlive(c *client, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

// Broadcast is a scheduler subscriber. It writes to every client from
// the calling goroutine, so the write deadline bounds how long a slow
// client can hold the scheduler.
func (s *Server) Broadcast(ev scheduler.Event) {
	data, err := json.Marshal(eventMessage(ev))
	if err != nil {
		s.log.WithError(err).Warn("Could not encode event")
		return
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			s.removeClient(c)
		}
	}
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*client]bool)
	s.clientsMu.Unlock()
	for c := range clients {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		c.conn.Close()
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	c.conn.Close()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

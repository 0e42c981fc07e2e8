package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
	"github.com/kfarnham/hwkey-bridge/internal/traffic"
)

// Server exposes the hardware key over HTTP: commands go in through a small
// JSON API, engine events stream out to WebSocket clients.
type Server struct {
	cfg *Config
	eng *hwkey.Engine
	rec *traffic.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event  string      `json:"event,omitempty"`
	Error  string      `json:"error,omitempty"`
	Status *StatusData `json:"status,omitempty"`
	Stamp  int64       `json:"stamp"` // Unix ms
}

// StatusData describes the engine's current connection state.
type StatusData struct {
	Port      string `json:"port"`
	Connected bool   `json:"connected"`
	Locked    bool   `json:"locked"`
	Instance  uint64 `json:"instance"`
}

// New creates a new Server and subscribes it to the engine's events.
func New(cfg *Config, eng *hwkey.Engine, rec *traffic.Recorder) *Server {
	s := &Server{
		cfg:     cfg,
		eng:     eng,
		rec:     rec,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	eng.SubscribeAll(func(ev hwkey.Event) {
		frame := Frame{
			Event:  string(ev.Type),
			Status: s.status(),
			Stamp:  time.Now().UnixMilli(),
		}
		if ev.Err != nil {
			frame.Error = ev.Err.Error()
		}
		s.broadcast(frame)
	})

	return s
}

func (s *Server) status() *StatusData {
	return &StatusData{
		Port:      s.eng.Port(),
		Connected: s.eng.Connected(),
		Locked:    s.eng.Locked(),
		Instance:  s.eng.InstanceID(),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/devices", s.handleDevices)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.register(client)
	defer s.unregister(client)

	// First frame is the current engine status.
	if data, err := json.Marshal(Frame{Status: s.status(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go client.writeLoop()

	// The handler goroutine doubles as the read loop; inbound messages are
	// only keep-alives, so it just waits for the connection to die.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) register(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)
}

func (s *Server) unregister(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	close(c.send)
	log.Printf("[ws] client disconnected (%d total)", n)
}

// sendRequest is the /api/send input: hex-encoded command bytes.
type sendRequest struct {
	Data    string `json:"data"`
	Prepend bool   `json:"prepend"`
}

// sendResponse mirrors the engine's Result.
type sendResponse struct {
	Status     byte   `json:"status"`
	StatusName string `json:"statusName"`
	Data       string `json:"data,omitempty"` // hex-encoded output payload
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	payload, err := hex.DecodeString(req.Data)
	if err != nil || len(payload) == 0 {
		http.Error(w, "data must be non-empty hex", 400)
		return
	}

	p, err := s.eng.Submit(payload, req.Prepend)
	if err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	res, err := p.Wait(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}

	resp := sendResponse{
		Status:     res.Status,
		StatusName: hwkey.StatusName(res.Status),
	}
	if res.Data != nil {
		resp.Data = hex.EncodeToString(res.Data)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if s.rec != nil {
			s.rec.SetEnabled(s.cfg.Traffic.Enabled)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	ports, err := hwkey.Discover()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"devices": ports})
}

// broadcast fans a frame out to every connected client. A client whose send
// buffer is full misses the frame rather than stalling the rest.
func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	dropped := 0
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[ws] dropped frame for %d slow client(s)", dropped)
	}
}

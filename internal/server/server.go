package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/logger"
	"github.com/shaunagostinho/rc-remote/internal/maintenance"
	"github.com/shaunagostinho/rc-remote/internal/remote"
)

// Sink receives every status frame, e.g. to mirror it elsewhere.
type Sink interface {
	Mirror(ctx context.Context, st remote.Status)
}

// Server serves the operator panel and broadcasts session status to
// WebSocket clients.
type Server struct {
	cfg    *Config
	rem    *remote.Remote
	webFS  fs.FS
	logger *logger.Logger
	sinks  []Sink

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
	Status  *remote.Status  `json:"status,omitempty"`
	Control *control.Config `json:"control,omitempty"` // sent once on connect
	Stamp   int64           `json:"stamp"`             // Unix ms
}

// IntentMessage is an operator input from the panel.
type IntentMessage struct {
	Intent string `json:"intent"`
	Phase  string `json:"phase"` // "press", "release" or "tap" (default)
}

// New creates a new Server.
func New(cfg *Config, rem *remote.Remote, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		rem:     rem,
		webFS:   webFS,
		logger:  logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AddSink registers a frame consumer. Call before Run.
func (s *Server) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/intent", s.handleIntent)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/update", s.handleUpdate)
	mux.HandleFunc("/api/logs", s.handleLogs)
	return mux
}

// Run starts the HTTP server and the status broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
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

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial frame carries the ranges so the panel can scale its gauges.
	ctl := s.rem.State().Config()
	st := s.rem.Status()
	if data, err := json.Marshal(Frame{Status: &st, Control: &ctl, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: operator intents
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var msg IntentMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[ws] bad message: %v", err)
				continue
			}
			if err := s.dispatch(msg); err != nil {
				log.Printf("[ws] %v", err)
			}
		}
	}()
}

// dispatch applies one operator input. Inputs dropped by the offline gate
// are not an error.
func (s *Server) dispatch(msg IntentMessage) error {
	in, err := control.ParseIntent(msg.Intent)
	if err != nil {
		return err
	}
	switch msg.Phase {
	case "press":
		s.rem.Press(in)
	case "release":
		s.rem.Release(in)
	case "", "tap":
		s.rem.Apply(in)
	default:
		return errors.New("unknown phase " + msg.Phase)
	}
	return nil
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
		s.cfg.mu.RLock()
		s.logger.SetEnabled(s.cfg.Logging.Enabled)
		s.cfg.mu.RUnlock()

		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rem.Status())
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var msg IntentMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&msg); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := s.dispatch(msg); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusOK, s.rem.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.rem.Connect(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, s.rem.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.rem.Disconnect()
	writeJSON(w, http.StatusOK, s.rem.Status())
}

// confirmed turns the operator's answer to the maintenance prompt into a
// Confirmer. The panel shows the prompt and sends confirm=yes.
func confirmed(answer string) maintenance.Confirmer {
	return func(ctx context.Context, prompt string) bool {
		if answer == "yes" {
			return true
		}
		log.Printf("[server] %q not confirmed", prompt)
		return false
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	// A raw body is the image itself, whatever its content type, so only
	// the query is consulted for it.
	answer := r.URL.Query().Get("confirm")
	var image io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		f, _, err := r.FormFile("firmware")
		if err != nil {
			http.Error(w, "missing firmware file", 400)
			return
		}
		defer f.Close()
		image = f
		if v := r.MultipartForm.Value["confirm"]; len(v) > 0 {
			answer = v[0]
		}
	}

	if err := s.rem.Update(r.Context(), image, confirmed(answer)); err != nil {
		writeMaintError(w, err)
		return
	}
	writeOK(w)
}

type logFileJSON struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	files, err := s.rem.FetchLogs(r.Context(), confirmed(r.URL.Query().Get("confirm")))
	if err != nil {
		writeMaintError(w, err)
		return
	}
	out := make([]logFileJSON, 0, len(files))
	for _, f := range files {
		out = append(out, logFileJSON{Name: f.Name, Text: string(f.Data)})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeMaintError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, maintenance.ErrNotConfirmed):
		code = http.StatusPreconditionFailed
	case errors.Is(err, maintenance.ErrBusy):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// broadcastLoop pushes the session status to panel clients, the recorder
// and any sinks.
func (s *Server) broadcastLoop(ctx context.Context) {
	period := time.Duration(s.cfg.Server.FrameMs) * time.Millisecond
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case now := <-ticker.C:
			s.publish(ctx, now)
		}
	}
}

func (s *Server) publish(ctx context.Context, now time.Time) {
	st := s.rem.Status()
	s.broadcast(Frame{Status: &st, Stamp: now.UnixMilli()})

	s.logger.Record(now, logger.Row{
		Control:   st.Control,
		Telemetry: st.Telemetry,
		Link:      st.Link.String(),
		Transmit:  st.Transmit,
	})
	for _, sink := range s.sinks {
		sink.Mirror(ctx, st)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

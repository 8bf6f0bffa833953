package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shaunagostinho/xl320-bus/internal/metrics"
	"github.com/shaunagostinho/xl320-bus/internal/recorder"
	"github.com/shaunagostinho/xl320-bus/internal/xl320"
)

// Link reports whether the bus transport is up.
type Link interface {
	IsConnected() bool
}

// Options carries the optional collaborators of a Server.
type Options struct {
	WebFS    fs.FS
	Recorder *recorder.Recorder
	Registry *prometheus.Registry
	Link     Link
	Logger   *zap.Logger
}

// Server polls the configured servos and serves their state over HTTP and
// WebSocket. Clients may also write registers.
type Server struct {
	cfg     *Config
	bus     *xl320.Bus
	webFS   fs.FS
	rec     *recorder.Recorder
	reg     *prometheus.Registry
	metrics *metrics.ServerMetrics
	link    Link
	log     *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	stateMu sync.RWMutex
	state   map[uint8]*ServoState
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ServoState is the latest polled view of one servo.
type ServoState struct {
	ID      uint8                 `json:"id"`
	Name    string                `json:"name,omitempty"`
	Values  map[xl320.Name]uint16 `json:"values"`
	Errors  map[xl320.Name]string `json:"errors,omitempty"`
	Updated time.Time             `json:"updated"`
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Servos    []ServoState   `json:"servos,omitempty"`
	Result    *CommandResult `json:"result,omitempty"`
	Connected bool           `json:"connected"`
	Stamp     int64          `json:"stamp"` // Unix ms
}

// Command is a register write requested by a client.
type Command struct {
	ID       uint8  `json:"id"`
	Register string `json:"register"`
	Value    uint16 `json:"value"`
}

// CommandResult reports the outcome of a Command or a read request.
type CommandResult struct {
	CommandID string `json:"commandId"`
	ID        uint8  `json:"id"`
	Register  string `json:"register"`
	Value     uint16 `json:"value"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

const (
	defaultPollHz   = 10
	requestTimeout  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// New creates a Server. A nil Registry disables /metrics.
func New(cfg *Config, bus *xl320.Bus, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		webFS:   opts.WebFS,
		rec:     opts.Recorder,
		reg:     opts.Registry,
		link:    opts.Link,
		log:     opts.Logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		state: make(map[uint8]*ServoState),
	}
	if s.reg != nil {
		s.metrics = metrics.NewServerMetrics(s.reg)
	}
	for _, sc := range cfg.ServoList() {
		s.state[sc.ID] = &ServoState{ID: sc.ID, Name: sc.Name, Values: map[xl320.Name]uint16{}}
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("GET /api/servos", s.handleServos)
	mux.HandleFunc("POST /api/servos/{id}/set", s.handleSet)
	mux.HandleFunc("GET /api/servos/{id}/read", s.handleRead)
	if s.reg != nil {
		mux.Handle("/metrics", metrics.Handler(s.reg))
	}
	return mux
}

// Run starts the HTTP server and the poll loop. It returns when ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
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
	s.clientsChanged(n)
	s.log.Info("ws client connected", zap.Int("total", n))

	if data, err := json.Marshal(s.frame()); err == nil {
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

	// Reader goroutine: each text message is a Command.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.clientsChanged(n)
			s.log.Info("ws client disconnected", zap.Int("total", n))
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			res := &CommandResult{CommandID: uuid.NewString()}
			if err := json.Unmarshal(msg, &cmd); err != nil {
				res.Error = "bad command: " + err.Error()
			} else {
				res = s.execute(context.Background(), "ws", cmd).CommandResult
			}
			data, err := json.Marshal(Frame{Result: res, Connected: s.connected(), Stamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			select {
			case client.send <- data:
			default:
			}
		}
	}()
}

func (s *Server) clientsChanged(n int) {
	if s.metrics != nil {
		s.metrics.WSClients.Set(float64(n))
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		// Rejected patches leave both the live config and the file untouched.
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		s.cfg.mu.RLock()
		recording := s.cfg.Recording.Enabled
		s.cfg.mu.RUnlock()
		if s.rec != nil {
			s.rec.SetEnabled(recording)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.frame())
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		Register string `json:"register"`
		Value    uint16 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	res := s.execute(r.Context(), "http", Command{ID: id, Register: body.Register, Value: body.Value})
	status := http.StatusOK
	if !res.OK {
		status = errorStatus(res.err)
	}
	writeJSON(w, status, res.CommandResult)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("register")
	res := CommandResult{CommandID: uuid.NewString(), ID: id, Register: name}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	v, err := s.get(ctx, id, xl320.Name(name))
	if err != nil {
		res.Error = err.Error()
		writeJSON(w, errorStatus(err), res)
		return
	}
	res.Value = v
	res.OK = true
	writeJSON(w, http.StatusOK, res)
}

type execResult struct {
	*CommandResult
	err error
}

// execute applies a register write. Id 254 addresses every servo.
func (s *Server) execute(ctx context.Context, source string, cmd Command) execResult {
	res := &CommandResult{
		CommandID: uuid.NewString(),
		ID:        cmd.ID,
		Register:  cmd.Register,
		Value:     cmd.Value,
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	err := s.set(ctx, cmd.ID, xl320.Name(cmd.Register), cmd.Value)
	result := "ok"
	if err != nil {
		res.Error = err.Error()
		result = "error"
		s.log.Info("command failed", zap.String("id", res.CommandID), zap.String("source", source), zap.Error(err))
	} else {
		res.OK = true
		s.log.Debug("command applied", zap.String("id", res.CommandID), zap.String("source", source),
			zap.Uint8("servo", cmd.ID), zap.String("register", cmd.Register), zap.Uint16("value", cmd.Value))
	}
	if s.metrics != nil {
		s.metrics.Commands.WithLabelValues(source, result).Inc()
	}
	return execResult{CommandResult: res, err: err}
}

func (s *Server) set(ctx context.Context, id uint8, name xl320.Name, v uint16) error {
	if id == xl320.BroadcastID {
		return s.bus.Broadcast().Set(ctx, name, v)
	}
	d, err := s.bus.Device(id)
	if err != nil {
		return err
	}
	return d.Set(ctx, name, v)
}

func (s *Server) get(ctx context.Context, id uint8, name xl320.Name) (uint16, error) {
	if id == xl320.BroadcastID {
		return 0, xl320.ErrBroadcastRead
	}
	d, err := s.bus.Device(id)
	if err != nil {
		return 0, err
	}
	return d.Get(ctx, name)
}

func parseID(r *http.Request) (uint8, error) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 8)
	if err != nil {
		return 0, errors.New("bad servo id")
	}
	return uint8(n), nil
}

func errorStatus(err error) int {
	var se *xl320.StatusError
	switch {
	case errors.Is(err, xl320.ErrUnknownRegister),
		errors.Is(err, xl320.ErrAccessDenied),
		errors.Is(err, xl320.ErrValueRange),
		errors.Is(err, xl320.ErrInvalidDeviceID),
		errors.Is(err, xl320.ErrBroadcastRead):
		return http.StatusBadRequest
	case errors.Is(err, xl320.ErrResponseTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se),
		errors.Is(err, xl320.ErrTransportWrite),
		errors.Is(err, xl320.ErrBusClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) connected() bool {
	return s.link == nil || s.link.IsConnected()
}

// Snapshot returns the latest state of every configured servo, by id.
func (s *Server) Snapshot() []ServoState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]ServoState, 0, len(s.state))
	for _, st := range s.state {
		cp := *st
		cp.Values = maps.Clone(st.Values)
		cp.Errors = maps.Clone(st.Errors)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b ServoState) int { return int(a.ID) - int(b.ID) })
	return out
}

func (s *Server) frame() Frame {
	return Frame{Servos: s.Snapshot(), Connected: s.connected(), Stamp: time.Now().UnixMilli()}
}

// pollLoop reads the configured registers of every servo at the poll rate
// and broadcasts the result.
func (s *Server) pollLoop(ctx context.Context) {
	hz, _ := s.cfg.PollSettings()
	if hz <= 0 {
		hz = defaultPollHz
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.rec != nil {
				s.rec.Close()
			}
			return
		case <-ticker.C:
			if !s.connected() {
				continue
			}
			s.pollOnce(ctx)
		}
	}
}

// pollOnce reads every configured register once, sequentially, so the
// servos are never asked for more than one value at a time.
func (s *Server) pollOnce(ctx context.Context) {
	_, regs := s.cfg.PollSettings()
	servos := s.cfg.ServoList()
	start := time.Now()

	samples := make([]recorder.Sample, 0, len(servos))
	for _, sc := range servos {
		values := make(map[xl320.Name]uint16, len(regs))
		errs := make(map[xl320.Name]string)
		for _, name := range regs {
			rctx, cancel := context.WithTimeout(ctx, requestTimeout)
			v, err := s.get(rctx, sc.ID, name)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs[name] = err.Error()
				if s.metrics != nil {
					s.metrics.ReadErrors.WithLabelValues(string(name)).Inc()
				}
				continue
			}
			values[name] = v
		}
		now := time.Now()
		s.updateState(sc, values, errs, now)
		samples = append(samples, recorder.Sample{At: now, ID: sc.ID, Values: values})
	}
	if s.metrics != nil {
		s.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}

	s.broadcast(s.frame())
	if s.rec != nil {
		s.rec.Record(start, samples)
	}
}

func (s *Server) updateState(sc ServoConfig, values map[xl320.Name]uint16, errs map[xl320.Name]string, at time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.state[sc.ID]
	if !ok {
		st = &ServoState{ID: sc.ID}
		s.state[sc.ID] = st
	}
	st.Name = sc.Name
	st.Values = values
	st.Errors = nil
	if len(errs) > 0 {
		st.Errors = errs
	}
	st.Updated = at
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

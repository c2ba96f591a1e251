package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/driver"
	"github.com/benaskins/lyceum/internal/gateway"
)

const (
	maxBodyBytes    = 64 << 10
	defaultLogLines = 100
	maxLogLines     = 1000
)

// Server serves the lyceum control API over a Unix socket and, optionally,
// a loopback TCP address.
type Server struct {
	daemon   *daemon.Daemon
	gateway  *gateway.Gateway
	origins  []string
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
	closing  chan struct{}
	closeOne sync.Once
}

// NewServer creates an API server. Reads go to the daemon directly; every
// state change goes through the gateway. origins lists the browser origins
// allowed to call the API; requests without an Origin header are always
// allowed.
func NewServer(ctx context.Context, d *daemon.Daemon, gw *gateway.Gateway, origins []string) *Server {
	s := &Server{
		daemon:  d,
		gateway: gw,
		origins: origins,
		logger:  slog.With("component", "api"),
		ctx:     ctx,
		closing: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/status", s.status)

	mux.HandleFunc("GET /v1/service", s.getService)
	mux.HandleFunc("POST /v1/service/start", s.verb(gateway.ActionServiceStart))
	mux.HandleFunc("POST /v1/service/stop", s.verb(gateway.ActionServiceStop))
	mux.HandleFunc("POST /v1/service/restart", s.verb(gateway.ActionServiceRestart))
	mux.HandleFunc("GET /v1/service/logs", s.serviceLogs)

	mux.HandleFunc("GET /v1/pool", s.getPool)
	mux.HandleFunc("POST /v1/pool/start", s.startPool)
	mux.HandleFunc("POST /v1/pool/stop", s.verb(gateway.ActionPoolStop))
	mux.HandleFunc("GET /v1/pool/workers/{id}/logs", s.workerLogs)

	mux.HandleFunc("GET /v1/settings", s.getSettings)
	mux.HandleFunc("PUT /v1/settings/{name}", s.putSetting)
	mux.HandleFunc("POST /v1/actions", s.action)
	mux.HandleFunc("POST /v1/open", s.open)

	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("GET /v1/gpu", s.gpu)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{Handler: s.checkOrigin(mux)}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown closes event streams and gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOne.Do(func() { close(s.closing) })
	return s.server.Shutdown(ctx)
}

// checkOrigin refuses browser requests from origins not explicitly allowed.
// Clients that send no Origin header (the CLI) are not browsers.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r.Header.Get("Origin")) {
			writeError(w, http.StatusForbidden, errors.New("origin not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return origin == "" || slices.Contains(s.origins, origin)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.ServiceStatus())
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.PoolStatus())
}

func (s *Server) gpu(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.GPU())
}

func (s *Server) serviceLogs(w http.ResponseWriter, r *http.Request) {
	n, err := lineCount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": nonNil(s.daemon.ServiceLogs(n))})
}

func (s *Server) workerLogs(w http.ResponseWriter, r *http.Request) {
	n, err := lineCount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lines, err := s.daemon.WorkerLogs(r.PathValue("id"), n)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": nonNil(lines)})
}

// verb returns a handler for a fixed action with no arguments. Actions run
// on the daemon's context so processes outlive the request.
func (s *Server) verb(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, gateway.Action{Name: name})
	}
}

func (s *Server) startPool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.dispatch(w, gateway.Action{Name: gateway.ActionPoolStart, Count: body.Count})
}

func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	var a gateway.Action
	if err := decodeBody(w, r, &a, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.dispatch(w, a)
}

func (s *Server) dispatch(w http.ResponseWriter, a gateway.Action) {
	res, err := s.gateway.Dispatch(s.ctx, a)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Settings())
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.gateway.SetSetting(r.Context(), r.PathValue("name"), body.Value); err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Settings())
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.gateway.OpenExternal(r.Context(), body.URL); err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "opened"})
}

// decodeBody reads a bounded JSON body, refusing unknown fields. An empty
// body is accepted only when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func lineCount(r *http.Request) (int, error) {
	q := r.URL.Query().Get("n")
	if q == "" {
		return defaultLogLines, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 {
		return 0, errors.New("n must be a positive integer")
	}
	return min(n, maxLogLines), nil
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrUnknownSetting):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrUnknownAction):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrRejected), errors.Is(err, daemon.ErrPoolConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, daemon.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case driver.IsSpawnError(err):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

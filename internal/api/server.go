package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"surveyrelay/internal/connection"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/metrics"
	"surveyrelay/internal/settings"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// Connector is the part of the connection manager the API drives.
type Connector interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Snapshot() connection.Snapshot
}

// Tracker is the part of the progress tracker the API drives.
type Tracker interface {
	StartSession(ctx context.Context, id types.SessionID, expected int) error
	ResetSession(ctx context.Context) error
	Progress(ctx context.Context) (types.SurveySession, error)
	Results(ctx context.Context) ([]*types.SurveyResult, error)
}

// History exposes recently emitted announcements.
type History interface {
	Recent() []types.Announcement
}

// Server is the operator HTTP surface. It holds no state of its own.
type Server struct {
	conn    Connector
	tracker Tracker
	store   interfaces.KeyValueStore
	history History
	feed    http.Handler
	router  *http.ServeMux
	logger  zerolog.Logger
	started time.Time
	token   string
}

// Option configures a Server.
type Option func(*Server)

// WithOperatorToken requires "Authorization: Bearer <token>" on the
// endpoints that connect, disconnect, start or close rounds. An empty
// token leaves them open.
func WithOperatorToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// NewServer wires the routes. feed may be nil to disable /api/feed.
func NewServer(conn Connector, tracker Tracker, store interfaces.KeyValueStore, history History, feed http.Handler, opts ...Option) *Server {
	s := &Server{
		conn:    conn,
		tracker: tracker,
		store:   store,
		history: history,
		feed:    feed,
		router:  http.NewServeMux(),
		logger:  logging.WithComponent("api"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/status", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.status))))
	s.router.Handle("/api/connect", s.corsMiddleware(s.jsonMiddleware(s.operatorMiddleware(http.HandlerFunc(s.connect)))))
	s.router.Handle("/api/disconnect", s.corsMiddleware(s.jsonMiddleware(s.operatorMiddleware(http.HandlerFunc(s.disconnect)))))
	s.router.Handle("/api/rounds", s.corsMiddleware(s.jsonMiddleware(s.operatorMiddleware(http.HandlerFunc(s.startRound)))))
	s.router.Handle("/api/rounds/current", s.corsMiddleware(s.jsonMiddleware(s.operatorMiddleware(http.HandlerFunc(s.closeRound)))))
	s.router.Handle("/api/results", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.results))))
	s.router.Handle("/api/announcements", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.announcements))))
	if s.feed != nil {
		s.router.Handle("/api/feed", s.feed)
	}
	s.router.Handle("/metrics", metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatusResponse struct {
	Connection connection.Snapshot `json:"connection"`
	Progress   types.SurveySession `json:"progress"`
}

type StartRoundRequest struct {
	SessionID json.RawMessage `json:"session_id"`
	Expected  int             `json:"expected"`
}

type StartRoundResponse struct {
	Progress   types.SurveySession `json:"progress"`
	Connecting bool                `json:"connecting"`
}

type ConnectResponse struct {
	Connecting bool                `json:"connecting"`
	Connection connection.Snapshot `json:"connection"`
}

type ResultsResponse struct {
	Results []*types.SurveyResult `json:"results"`
	Count   int                   `json:"count"`
}

type HealthResponse struct {
	Status     string                `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
	Store      string                `json:"store"`
	Connection types.ConnectionState `json:"connection"`
	Uptime     string                `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/status
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	progress, err := s.tracker.Progress(r.Context())
	if err != nil {
		s.sendError(w, "Failed to load survey progress", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(StatusResponse{Connection: s.conn.Snapshot(), Progress: progress})
}

// POST /api/connect
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	ok := s.conn.Connect(r.Context())
	code := http.StatusAccepted
	if !ok {
		code = http.StatusConflict
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ConnectResponse{Connecting: ok, Connection: s.conn.Snapshot()})
}

// POST /api/disconnect
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	s.conn.Disconnect()
	json.NewEncoder(w).Encode(ConnectResponse{Connection: s.conn.Snapshot()})
}

// POST /api/rounds stores the session id, starts the round and connects.
func (s *Server) startRound(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req StartRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	id, err := types.ParseSessionID(req.SessionID)
	if err != nil || !id.Valid() {
		s.sendError(w, "session_id must be a positive integer", http.StatusBadRequest)
		return
	}
	if req.Expected < 0 {
		s.sendError(w, "expected must not be negative", http.StatusBadRequest)
		return
	}

	if err := s.store.Set(r.Context(), types.KeySessionID, settings.Encode(id.String())); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store session id")
		s.sendError(w, "Failed to store session id", http.StatusInternalServerError)
		return
	}
	if err := s.tracker.StartSession(r.Context(), id, req.Expected); err != nil {
		s.sendTrackerError(w, err)
		return
	}

	connecting := s.conn.Connect(r.Context())
	progress, err := s.tracker.Progress(r.Context())
	if err != nil {
		s.sendError(w, "Failed to load survey progress", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Int64("session_id", int64(id)).Int("expected", req.Expected).Bool("connecting", connecting).Msg("Survey round started")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(StartRoundResponse{Progress: progress, Connecting: connecting})
}

// DELETE /api/rounds/current disconnects and clears progress.
func (s *Server) closeRound(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodDelete) {
		return
	}
	s.conn.Disconnect()
	if err := s.tracker.ResetSession(r.Context()); err != nil {
		s.sendTrackerError(w, err)
		return
	}
	s.logger.Info().Msg("Survey round closed")
	json.NewEncoder(w).Encode(map[string]string{"message": "Survey round closed"})
}

// GET /api/results
func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	results, err := s.tracker.Results(r.Context())
	if err != nil {
		s.sendError(w, "Failed to list results", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []*types.SurveyResult{}
	}
	json.NewEncoder(w).Encode(ResultsResponse{Results: results, Count: len(results)})
}

// GET /api/announcements
func (s *Server) announcements(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	recent := s.history.Recent()
	if recent == nil {
		recent = []types.Announcement{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"announcements": recent})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Store:      storeStatus,
		Connection: s.conn.Snapshot().State,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) sendTrackerError(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		s.sendError(w, verr.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error().Err(err).Msg("Survey progress update failed")
	s.sendError(w, "Failed to update survey progress", http.StatusInternalServerError)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// Operator consoles are served from other origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) operatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Rejected operator request")
			s.sendError(w, "Operator token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"

	"github.com/carecoord/caresync/internal/config"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
)

// ChangeRequest is the body of POST /api/changes.
type ChangeRequest struct {
	Topic     string             `json:"topic"`
	Type      realtime.EventType `json:"type"`
	Record    json.RawMessage    `json:"record,omitempty"`
	OldRecord json.RawMessage    `json:"old_record,omitempty"`
}

type Server struct {
	log            *log.Logger
	hub            *Hub
	srv            *http.Server
	allowedOrigins []string
}

// NewServer routes the relay endpoints on mux, which may already carry
// GET /debug/vars from the stats updater.
func NewServer(mux *http.ServeMux, logger *log.Logger, hub *Hub, cfg *config.ServerConfig) *Server {
	s := &Server{
		log:            logger,
		hub:            hub,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("POST /api/changes", s.publishChange)
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := NewClient(conn, s.hub, s.log)
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}

func (s *Server) publishChange(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	change, err := req.validate()
	if err != nil {
		errResp := NewBadRequestError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.hub.Publish(r.Context(), change); err != nil {
		var errResp *ApiError
		if !errors.As(err, &errResp) {
			errResp = NewServiceUnavailableError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusAccepted, nil)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validate checks the change the way subscribers will decode it, so a
// malformed record is refused here rather than dropped by every client.
func (req *ChangeRequest) validate() (*realtime.Change, error) {
	topic, err := realtime.ParseTopic(req.Topic)
	if err != nil {
		return nil, err
	}
	if topic.Filter != "" {
		return nil, fmt.Errorf("publish to the unfiltered topic %q", topic.Kind)
	}

	change := &realtime.Change{
		Topic:     topic.String(),
		Type:      req.Type,
		Record:    req.Record,
		OldRecord: req.OldRecord,
	}
	switch req.Type {
	case realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete:
	default:
		return nil, fmt.Errorf("unknown change type %q", req.Type)
	}
	if _, err := realtime.DecodeChange(topic, change); err != nil {
		return nil, err
	}
	return change, nil
}

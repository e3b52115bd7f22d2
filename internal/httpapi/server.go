// Package httpapi is the admin surface: trigger sync runs, inspect mirrored
// state and DSL version history, and stream sync progress over a websocket.
// No business logic lives here; handlers call into the sync core 1:1.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/difytools/difymirror/internal/dslversion"
	"github.com/difytools/difymirror/internal/store"
	"github.com/difytools/difymirror/internal/syncer"
)

// SyncRunner runs one sync batch.
type SyncRunner interface {
	SyncApps(ctx context.Context, scope syncer.Scope) (*syncer.SyncStats, error)
}

// DSLSyncer versions one app's DSL export.
type DSLSyncer interface {
	SyncAppDSL(ctx context.Context, inst *store.Instance, acct *store.Account, app *store.Application) dslversion.SyncResult
}

type ServerConfig struct {
	// AuthToken guards every route except the health check. Empty leaves the
	// API open, which is only sensible in local development.
	AuthToken string
	Logger    *zap.Logger
}

type Server struct {
	store     store.Store
	sync      SyncRunner
	dsl       DSLSyncer
	feed      *Feed
	authToken string
	logger    *zap.Logger
	router    chi.Router
}

func NewServer(st store.Store, sync SyncRunner, dsl DSLSyncer, feed *Feed, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     st,
		sync:      sync,
		dsl:       dsl,
		feed:      feed,
		authToken: cfg.AuthToken,
		logger:    logger.Named("httpapi"),
	}
	r := chi.NewRouter()
	r.Get("/v1/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/sync", s.handleSync)
		r.Get("/v1/sync/events", s.handleSyncEvents)
		r.Get("/v1/instances", s.handleListInstances)
		r.Get("/v1/apps", s.handleListApps)
		r.Get("/v1/apps/{id}", s.handleGetApp)
		r.Get("/v1/apps/{id}/versions", s.handleListVersions)
		r.Get("/v1/apps/{id}/versions/{version}", s.handleGetVersion)
		r.Post("/v1/apps/{id}/dsl/sync", s.handleDSLSync)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if !strings.HasPrefix(header, "Bearer ") ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
		AccountID  string `json:"account_id"`
		AppType    string `json:"app_type"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	stats, err := s.sync.SyncApps(r.Context(), syncer.Scope{
		InstanceID: req.InstanceID,
		AccountID:  req.AccountID,
		AppType:    req.AppType,
	})
	if err != nil {
		s.logger.Error("sync run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	events, cancel := s.feed.Subscribe()
	defer cancel()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApplications(r.Context(), r.URL.Query().Get("instance_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListDSLVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return
	}
	version, err := s.store.GetDSLVersion(r.Context(), chi.URLParam(r, "id"), number)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleDSLSync(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	acct, err := s.store.GetAccount(r.Context(), app.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "owning account unavailable: "+err.Error())
		return
	}
	inst, err := s.store.GetInstance(r.Context(), app.InstanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "owning instance unavailable: "+err.Error())
		return
	}
	result := s.dsl.SyncAppDSL(r.Context(), inst, acct, app)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package api is the thin HTTP surface the engine exposes directly:
// a health check and the read-only WebSocket subscribe endpoint (spec §6).
// Mutation and query APIs are deliberately out of scope here — they are
// expected to live in an external management service that talks to the
// engine through the event log and the storage layer directly.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aleka07/twinengine/internal/logging"
	"github.com/aleka07/twinengine/internal/model"
	"github.com/aleka07/twinengine/internal/notifier"
	"github.com/aleka07/twinengine/internal/storage"
)

// API holds the dependencies the thin HTTP surface needs.
type API struct {
	store storage.Store
	hub   *notifier.Hub
	log   *logging.Logger
}

// New builds an API with the given dependencies.
func New(store storage.Store, hub *notifier.Hub) *API {
	return &API{store: store, hub: hub, log: logging.New("api")}
}

// Router builds the chi router exposing /healthz and the subscribe
// endpoint, with the same baseline middleware stack the teacher's
// cmd/apiserver/main.go installs.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.HealthCheck)
	r.Get("/things/{application}/{name}/subscribe", a.Subscribe)

	return r
}

// HealthCheck reports process liveness. It deliberately does not ping
// storage: a slow database should not flip load balancer health checks.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Errorf("encode health check response: %v", err)
	}
}

// Subscribe upgrades the request to a WebSocket and streams Initial,
// Change, and Disconnected messages for the named thing until the client
// disconnects (spec §6).
func (a *API) Subscribe(w http.ResponseWriter, r *http.Request) {
	application := chi.URLParam(r, "application")
	name := chi.URLParam(r, "name")
	if application == "" || name == "" {
		http.Error(w, "missing application or name in URL path", http.StatusBadRequest)
		return
	}
	thingID := application + "/" + name

	ctx := r.Context()
	load := func() (*model.Thing, error) {
		t, err := a.store.Get(ctx, thingID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return t, err
	}

	if err := notifier.ServeWS(a.hub, thingID, load, w, r); err != nil {
		a.log.Warnf("subscribe %s: %v", thingID, err)
	}
}

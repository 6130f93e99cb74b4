// Package admin serves the proxy's operator endpoints: Prometheus
// metrics, a status document and object purging.
package admin

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/Tksty/polipo/internal/config"
	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/middleware"
	"github.com/Tksty/polipo/internal/proxy"
)

// Status is the document served at /polipo/status.
type Status struct {
	ProxyName         string   `json:"proxyName"`
	Listen            string   `json:"listen"`
	Uptime            string   `json:"uptime"`
	AtomsInUse        int      `json:"atomsInUse"`
	ChunksInUse       int      `json:"chunksInUse"`
	OpenConnections   int      `json:"openConnections"`
	CachedObjects     int      `json:"cachedObjects"`
	CacheProvider     string   `json:"cacheProvider"`
	Offline           bool     `json:"offline"`
	RelaxTransparency int      `json:"relaxTransparency"`
	ParentProxies     []string `json:"parentProxies,omitempty"`
	AllowedClients    []string `json:"allowedClients,omitempty"`
}

type handler struct {
	engine  *proxy.Engine
	cfg     *config.Config
	logger  logging.Logger
	started time.Time
}

// NewHandler returns the admin router. Requests from clients outside the
// proxy's allowed list are refused.
func NewHandler(e *proxy.Engine, cfg *config.Config, logger logging.Logger) http.Handler {
	h := &handler{
		engine:  e,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.AccessLog(logger), e.Clients.Middleware())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/polipo/status", h.status)
	r.Delete("/polipo/objects", h.purge)
	return r
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		ProxyName:         h.cfg.Proxy.Name,
		Listen:            h.cfg.ListenAddress(),
		Uptime:            time.Since(h.started).Truncate(time.Second).String(),
		AtomsInUse:        h.engine.Atoms.Used(),
		ChunksInUse:       h.engine.Chunks.InUse(),
		OpenConnections:   h.engine.OpenConnections(),
		CachedObjects:     h.engine.Store.Len(),
		CacheProvider:     h.cfg.Cache.Provider,
		Offline:           h.cfg.Proxy.Offline,
		RelaxTransparency: h.cfg.Proxy.RelaxTransparency,
		ParentProxies:     h.cfg.Proxy.ParentProxies,
		AllowedClients:    h.cfg.Proxy.AllowedClients,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.logger.Warn("couldn't encode status", "err", err)
	}
}

func (h *handler) purge(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	key, err := cacheKey(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.engine.Store.Delete(r.Context(), key)
	h.logger.Info("object purged", "url", key)
	w.WriteHeader(http.StatusNoContent)
}

// cacheKey normalizes raw the way the proxy keys stored objects.
func cacheKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

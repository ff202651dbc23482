// Package api implements the administration interface of the daemon.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/mike76-dev/smbrpc/schannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the daemon state exposed over the API.
type Server interface {
	Status() StatusResponse
	Connections() []ConnectionInfo
	Interfaces() []InterfaceInfo
	Ban(host, reason string)
	Unban(host string) bool
}

// SessionKeys is the writable schannel key store.
type SessionKeys interface {
	PutSessionKey(ctx context.Context, computer string, key []byte) error
	DeleteSessionKey(ctx context.Context, computer string) error
	Computers(ctx context.Context) ([]string, error)
}

// API represents the API call handler.
type API struct {
	router   *httprouter.Router
	server   Server
	keys     SessionKeys
	gatherer prometheus.Gatherer
	log      *zap.Logger
	rl       *ratelimiter
}

// NewAPI returns an initialized API object. A nil gatherer serves the
// default Prometheus registry.
func NewAPI(s Server, keys SessionKeys, gatherer prometheus.Gatherer, log *zap.Logger) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	api := &API{
		router:   httprouter.New(),
		server:   s,
		keys:     keys,
		gatherer: gatherer,
		log:      log.Named("api"),
		rl:       newRatelimiter(),
	}

	api.router.GET("/status", api.handleStatus)
	api.router.GET("/interfaces", api.handleInterfaces)
	api.router.GET("/connections", api.handleConnections)
	api.router.PUT("/bans/:host", api.handleBan)
	api.router.DELETE("/bans/:host", api.handleUnban)
	api.router.GET("/schannel", api.handleComputers)
	api.router.PUT("/schannel/:computer", api.handlePutKey)
	api.router.DELETE("/schannel/:computer", api.handleDeleteKey)
	api.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return api
}

// BasicAuth wraps an http.Handler to force a basic auth with a password.
// Hosts that keep failing are answered with 429 until their budget recovers.
func (api *API) BasicAuth(password string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			host, _, err := net.SplitHostPort(req.RemoteAddr)
			if err != nil {
				host = req.RemoteAddr
			}
			if api.rl.blocked(host) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			if _, p, ok := req.BasicAuth(); !ok || p != password {
				api.rl.fail(host)
				api.log.Debug("unauthorized API request", zap.String("host", host), zap.String("path", req.URL.Path))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, req)
		})
	}
}

// ServeHTTP implements http.HandlerFunc.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (api *API) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, api.server.Status())
}

func (api *API) handleInterfaces(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, api.server.Interfaces())
}

func (api *API) handleConnections(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, api.server.Connections())
}

func (api *API) handleBan(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	host := ps.ByName("host")
	api.server.Ban(host, "banned via API")
	api.log.Info("host banned", zap.String("host", host))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleUnban(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	host := ps.ByName("host")
	if !api.server.Unban(host) {
		http.Error(w, "host not banned", http.StatusNotFound)
		return
	}
	api.log.Info("host unbanned", zap.String("host", host))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleComputers(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	names, err := api.keys.Computers(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, names)
}

func (api *API) handlePutKey(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var skr SessionKeyRequest
	if err := json.NewDecoder(req.Body).Decode(&skr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := hex.DecodeString(skr.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	computer := ps.ByName("computer")
	err = api.keys.PutSessionKey(req.Context(), computer, key)
	if errors.Is(err, schannel.ErrKeyLength) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.log.Info("schannel session key stored", zap.String("computer", computer))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleDeleteKey(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	computer := ps.ByName("computer")
	err := api.keys.DeleteSessionKey(req.Context(), computer)
	if errors.Is(err, schannel.ErrNoSession) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.log.Info("schannel session key removed", zap.String("computer", computer))
	w.WriteHeader(http.StatusNoContent)
}

// Package monitoring exposes engine metrics, health and read-only strategy
// snapshots over HTTP.
package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// StrategyView serves strategy snapshots
type StrategyView interface {
	ListStrategies() []strategy.Snapshot
	GetStrategyState(id string) (strategy.Snapshot, error)
}

// NewRouter wires the ops endpoints:
//
//	GET /metrics          prometheus exposition
//	GET /healthz          engine health
//	GET /strategies       every known instance
//	GET /strategies/{id}  one instance with its intents
func NewRouter(metrics *Metrics, health *HealthChecker, view StrategyView, log *logger.Logger) *mux.Router {
	if log == nil {
		log = logger.Nop()
	}
	router := mux.NewRouter()
	router.Use(recovery(log), logging(log))

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if health != nil {
		router.Handle("/healthz", health).Methods(http.MethodGet)
	}
	if view != nil {
		router.HandleFunc("/strategies", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, view.ListStrategies())
		}).Methods(http.MethodGet)
		router.HandleFunc("/strategies/{id}", func(w http.ResponseWriter, r *http.Request) {
			snap, err := view.GetStrategyState(mux.Vars(r)["id"])
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, engerrors.ErrStrategyNotFound) {
					status = http.StatusNotFound
				}
				writeJSON(w, status, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		}).Methods(http.MethodGet)
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func recovery(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("Panic serving %s: %v", r.URL.Path, rec)
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func logging(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("%s %s in %s", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

package monitoring

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// signalRequest is the body accepted by POST /signals
type signalRequest struct {
	Symbol    string    `json:"symbol"`
	Direction string    `json:"direction"` // long/short, buy/sell, bull/bear
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// MountSignals adds POST /signals to router. Accepted signals are queued on
// out without blocking; a full queue answers 503 so the sender can retry.
func MountSignals(router *mux.Router, out chan<- types.Signal, log *logger.Logger) {
	if log == nil {
		log = logger.Nop()
	}
	router.HandleFunc("/signals", func(w http.ResponseWriter, r *http.Request) {
		var req signalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signal body: " + err.Error()})
			return
		}
		sig, msg := req.signal()
		if msg != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
			return
		}

		select {
		case out <- sig:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		default:
			log.Warning("Signal queue full, rejected %s %s", sig.Symbol, sig.Direction)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "signal queue full"})
		}
	}).Methods(http.MethodPost)
}

func (req signalRequest) signal() (types.Signal, string) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return types.Signal{}, "symbol is required"
	}
	dir := types.ParseDirection(req.Direction)
	if dir == types.DirectionFlat && !strings.EqualFold(strings.TrimSpace(req.Direction), "flat") {
		return types.Signal{}, "direction must be long, short or flat"
	}
	source := req.Source
	if source == "" {
		source = "http"
	}
	return types.Signal{
		Symbol:    symbol,
		Direction: dir,
		Timeframe: strings.TrimSpace(req.Timeframe),
		Source:    source,
		Timestamp: req.Timestamp,
	}, ""
}

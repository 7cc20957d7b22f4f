package factory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

type targetStatus struct {
	Machine   string    `json:"machine"`
	Log       string    `json:"log"`
	Status    string    `json:"status"`
	Alive     bool      `json:"alive"`
	Failures  int       `json:"failures"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// CreatePrometheusServer serves /metrics and, when liveness is set, /status
// with the state of every watch. /status answers 503 once no watch is alive.
func CreatePrometheusServer(conf config.Metrics, gatherer prometheus.Gatherer, liveness func() []watch.TargetStatus) *http.Server {
	ret := &http.Server{Addr: fmt.Sprintf(":%v", conf.Port)}
	ret.SetKeepAlivesEnabled(true)
	ret.IdleTimeout = 5 * time.Second
	ret.ReadHeaderTimeout = 5 * time.Second

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if liveness != nil {
		router.HandleFunc("/status", statusHandler(liveness))
	}

	ret.Handler = router

	return ret
}

func statusHandler(liveness func() []watch.TargetStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		statuses := liveness()

		body := make([]targetStatus, 0, len(statuses))
		alive := false

		for _, s := range statuses {
			alive = alive || s.Alive

			body = append(body, targetStatus{
				Machine:   s.Target.Machine,
				Log:       s.Target.Log,
				Status:    s.Status.String(),
				Alive:     s.Alive,
				Failures:  s.Failures,
				LastError: s.LastError,
				Since:     s.Since,
			})
		}

		w.Header().Set("Content-Type", "application/json")

		if !alive {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(body)
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	DeployTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paas_deploy_total",
		Help: "Total number of finished deployments by status.",
	}, []string{"status"})

	DeployDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paas_deploy_duration_seconds",
		Help:    "Wall-clock duration of deployments.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	BuilderPodTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paas_builder_pod_total",
		Help: "Total number of builder pods by result.",
	}, []string{"result"})

	DeployLockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paas_deploy_lock_conflicts_total",
		Help: "Total number of deploy requests rejected because the env lock was held.",
	})

	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paas_output_stream_dropped_subscribers_total",
		Help: "Total number of output stream subscribers disconnected for falling behind.",
	})

	AbnormalProcesses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paas_abnormal_processes",
		Help: "Number of processes whose replicas disagree with their spec, by cluster.",
	}, []string{"cluster"})

	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paas_maintenance_runs_total",
		Help: "Total number of scheduled maintenance runs by job and result.",
	}, []string{"job", "result"})
)

// Server 暴露 /metrics 的 HTTP 服务
type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(addr string, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

// Start 后台监听
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

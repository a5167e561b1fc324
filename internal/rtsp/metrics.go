package rtsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtsp_requests",
		Namespace: "mediax",
		Help:      "number of RTSP requests answered",
	}, []string{"method", "code"})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "rtsp_sessions",
		Namespace: "mediax",
		Help:      "number of RTSP sessions set up",
	})
)

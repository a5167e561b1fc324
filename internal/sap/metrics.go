package sap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "sap_packets_sent",
		Namespace: "mediax",
		Help:      "number of SAP packets sent",
	}, []string{"type"})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "sap_send_errors",
		Namespace: "mediax",
		Help:      "number of SAP packets that failed to send",
	})
	packetsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "sap_packets_received",
		Namespace: "mediax",
		Help:      "number of SAP packets received",
	}, []string{"type"})
	readErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "sap_read_errors",
		Namespace: "mediax",
		Help:      "number of failed reads on the SAP socket",
	})
	corruptPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "sap_corrupt_packets",
		Namespace: "mediax",
		Help:      "number of SAP packets dropped as malformed",
	})
	discoveredSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "sap_discovered_sessions",
		Namespace: "mediax",
		Help:      "number of sessions currently known to listeners",
	})
)

package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_frames_sent",
		Namespace: "mediax",
		Help:      "number of frames handed to the network",
	})
	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_packets_sent",
		Namespace: "mediax",
		Help:      "number of RTP packets sent",
	})
	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_bytes_sent",
		Namespace: "mediax",
		Help:      "number of RTP payload bytes sent",
	})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_send_errors",
		Namespace: "mediax",
		Help:      "number of RTP or RTCP packets that failed to send",
	})
	backpressure = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_backpressure",
		Namespace: "mediax",
		Help:      "number of frames rejected because the send queue was full",
	})
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_packets_received",
		Namespace: "mediax",
		Help:      "number of RTP packets received",
	})
	readErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_read_errors",
		Namespace: "mediax",
		Help:      "number of failed reads on the RTP socket",
	})
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_frames_received",
		Namespace: "mediax",
		Help:      "number of frames rebuilt from RTP packets",
	})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtp_frames_dropped",
		Namespace: "mediax",
		Help:      "number of frames discarded while depayloading",
	}, []string{"reason"})
)

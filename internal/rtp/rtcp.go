package rtp

import (
	"context"
	"time"

	"github.com/pion/rtcp"

	log "github.com/sirupsen/logrus"
)

const ntpEpochOffset = 2208988800

// ntpTime converts t to the 64-bit NTP timestamp format used in sender reports.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

func (p *Payloader) rtcpLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.options.RTCPInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sendRTCP(p.senderReport(time.Now()))
		}
	}
}

func (p *Payloader) senderReport(now time.Time) []rtcp.Packet {
	return []rtcp.Packet{
		&rtcp.SenderReport{
			SSRC:        p.ssrc,
			NTPTime:     ntpTime(now),
			RTPTime:     p.lastTS.Load(),
			PacketCount: p.packetCount.Load(),
			OctetCount:  p.octetCount.Load(),
		},
		p.sourceDescription(),
	}
}

func (p *Payloader) sourceDescription() *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: p.ssrc,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: p.options.CNAME},
				},
			},
		},
	}
}

func (p *Payloader) goodbye() []rtcp.Packet {
	return []rtcp.Packet{
		p.sourceDescription(),
		&rtcp.Goodbye{
			Sources: []uint32{p.ssrc},
			Reason:  "stream closed",
		},
	}
}

func (p *Payloader) sendRTCP(packets []rtcp.Packet) {
	b, err := rtcp.Marshal(packets)
	if err == nil {
		_, err = p.rtcpConn.WriteTo(b, p.rtcpDst)
	}
	if err != nil {
		sendErrors.Inc()
		log.WithError(err).Warn("failed to send RTCP")
	}
}

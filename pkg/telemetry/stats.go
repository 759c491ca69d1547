package telemetry

import (
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/peermedia/videosend/pkg/telemetry/prometheus"
)

const frameRateWindow = time.Second

type StatsReporterParams struct {
	TrackID string
	Logger  logger.Logger
}

// StatsReporter aggregates send-side stream counters and exposes them via
// prometheus. It implements sendstream.StatsSink.
type StatsReporter struct {
	params StatsReporterParams

	lock       sync.Mutex
	frameTimes []time.Time
}

func NewStatsReporter(params StatsReporterParams) *StatsReporter {
	return &StatsReporter{
		params: params,
	}
}

func (s *StatsReporter) OnSetEncoderTargetRate(bitrateBps int64) {
	prometheus.SetEncoderTargetRate(s.params.TrackID, bitrateBps)
}

func (s *StatsReporter) OnInactiveSsrc(ssrc uint32) {
	s.params.Logger.Debugw("ssrc inactive", "ssrc", ssrc)
	prometheus.AddInactiveSsrc(s.params.TrackID)
}

func (s *StatsReporter) OnEncodedFrame(sizeBytes int) {
	now := time.Now()

	s.lock.Lock()
	s.frameTimes = append(s.frameTimes, now)
	s.prune(now)
	s.lock.Unlock()

	prometheus.AddFrame(s.params.TrackID, sizeBytes)
}

func (s *StatsReporter) OnRtcpReceived(packetBytes int) {
	prometheus.AddRtcpPacket(s.params.TrackID)
}

// GetSendFrameRate reports frames observed over the trailing window, in fps.
func (s *StatsReporter) GetSendFrameRate() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.prune(time.Now())
	return float64(len(s.frameTimes)) / frameRateWindow.Seconds()
}

func (s *StatsReporter) prune(now time.Time) {
	cutoff := now.Add(-frameRateWindow)
	idx := 0
	for ; idx < len(s.frameTimes); idx++ {
		if s.frameTimes[idx].After(cutoff) {
			break
		}
	}
	if idx > 0 {
		s.frameTimes = s.frameTimes[idx:]
	}
}

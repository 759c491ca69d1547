package sendstream

import (
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"

	"github.com/peermedia/videosend/pkg/config"
)

func calculatePacketRate(bitrateBps int64, packetSizeBytes int64) int64 {
	packetSizeBits := 8 * packetSizeBytes
	// ceil(bitrateBps / packetSizeBits)
	return (bitrateBps + packetSizeBits - 1) / packetSizeBits
}

func calculateOverheadRateBps(packetsPerSecond int64, overheadBytesPerPacket int64, maxOverheadBps int64) int64 {
	overheadBps := 8 * overheadBytesPerPacket * packetsPerSecond
	if overheadBps > maxOverheadBps {
		return maxOverheadBps
	}
	return overheadBps
}

func calculateMaxPaddingBitrateBps(streams []VideoStream, minTransmitBitrateBps int64, padToMinBitrate bool) int64 {
	padUpToBitrateBps := int64(0)
	if len(streams) > 1 {
		// pad to the min bitrate of the highest layer plus the target
		// bitrates of the lower layers
		padUpToBitrateBps = streams[len(streams)-1].MinBitrateBps
		for _, stream := range streams[:len(streams)-1] {
			padUpToBitrateBps += stream.TargetBitrateBps
		}
	} else if padToMinBitrate {
		padUpToBitrateBps = streams[0].MinBitrateBps
	}

	if padUpToBitrateBps < minTransmitBitrateBps {
		padUpToBitrateBps = minTransmitBitrateBps
	}
	return padUpToBitrateBps
}

// ---------------------------------------------------------------------------

type rateControllerParams struct {
	Config  *StreamConfig
	Options config.SendStreamConfig
	Fec     FecController
	Encoder VideoEncoder
	Stats   StatsSink
	Logger  logger.Logger
}

// rateController is the numeric core of the bitrate feedback loop: it splits
// one bandwidth estimate into encoder target rate, protection budget and
// transport overhead, and owns the encoder's configured rate bounds.
//
// Rate bounds and the current target are queue-affine; the overhead counters
// are written from foreign goroutines and therefore atomic.
type rateController struct {
	params rateControllerParams

	overheadBytesPerPacket          atomic.Int64
	transportOverheadBytesPerPacket atomic.Int64

	encoderMinBitrateBps   int64
	encoderMaxBitrateBps   int64
	maxPaddingBitrateBps   int64
	encoderBitratePriority float64
	encoderTargetRateBps   int64
}

func newRateController(params rateControllerParams, initialMaxBitrateBps int64, initialBitratePriority float64) *rateController {
	return &rateController{
		params:                 params,
		encoderMaxBitrateBps:   initialMaxBitrateBps,
		encoderBitratePriority: initialBitratePriority,
	}
}

// onBitrateUpdated consumes one bandwidth-estimator update and returns the
// bitrate reserved for stream protection. Runs on the stream's queue.
func (r *rateController) onBitrateUpdated(bitrateBps int64, fractionLoss uint8, rtt time.Duration, lossMask []bool) (protectionBps int64) {
	withOverhead := r.params.Options.SendSideBweWithOverhead
	transportOverhead := r.transportOverheadBytesPerPacket.Load()
	overheadPerPacket := r.overheadBytesPerPacket.Load()
	maxPacketSize := int64(r.params.Config.MaxPacketSize)

	payloadBitrateBps := bitrateBps
	if withOverhead {
		payloadBitrateBps -= calculateOverheadRateBps(
			calculatePacketRate(bitrateBps, maxPacketSize+transportOverhead),
			overheadPerPacket+transportOverhead,
			bitrateBps)
	}

	// the encoder target rate is the estimated network rate minus the FEC
	// controller's protection estimate
	encoderTargetRateBps := r.params.Fec.UpdateFecRates(
		payloadBitrateBps, r.params.Stats.GetSendFrameRate(), fractionLoss, lossMask, rtt)

	encoderOverheadRateBps := int64(0)
	if withOverhead {
		encoderOverheadRateBps = calculateOverheadRateBps(
			calculatePacketRate(encoderTargetRateBps, maxPacketSize+transportOverhead-overheadPerPacket),
			overheadPerPacket+transportOverhead,
			bitrateBps-encoderTargetRateBps)
	}

	// with overhead accounting enabled the protection budget includes the
	// encoder's own overhead share
	protectionBps = bitrateBps - (encoderTargetRateBps + encoderOverheadRateBps)

	if encoderTargetRateBps > r.encoderMaxBitrateBps {
		encoderTargetRateBps = r.encoderMaxBitrateBps
	}
	r.encoderTargetRateBps = encoderTargetRateBps

	r.params.Encoder.OnBitrateUpdated(encoderTargetRateBps, fractionLoss, rtt)
	r.params.Stats.OnSetEncoderTargetRate(encoderTargetRateBps)
	return protectionBps
}

// applyEncoderConfiguration recomputes the rate bounds from the encoder's
// layer configuration. Runs on the stream's queue.
func (r *rateController) applyEncoderConfiguration(streams []VideoStream, minTransmitBitrateBps int64) {
	r.encoderMinBitrateBps = streams[0].MinBitrateBps
	if r.encoderMinBitrateBps < r.params.Options.MinEncoderBitrate {
		r.encoderMinBitrateBps = r.params.Options.MinEncoderBitrate
	}

	r.encoderMaxBitrateBps = 0
	prioritySum := 0.0
	for _, stream := range streams {
		// inactive layers get no share of the allocation
		if stream.Active {
			r.encoderMaxBitrateBps += stream.MaxBitrateBps
		}
		prioritySum += stream.BitratePriority
	}
	if prioritySum > 0 {
		r.encoderBitratePriority = prioritySum
	}
	if r.encoderMaxBitrateBps < r.encoderMinBitrateBps {
		r.encoderMaxBitrateBps = r.encoderMinBitrateBps
	}

	r.maxPaddingBitrateBps = calculateMaxPaddingBitrateBps(
		streams, minTransmitBitrateBps, r.params.Config.SuspendBelowMinBitrate)
}

func (r *rateController) setOverheadBytesPerPacket(overhead int64) {
	r.overheadBytesPerPacket.Store(overhead)
}

func (r *rateController) setTransportOverheadBytesPerPacket(overhead int64) {
	r.transportOverheadBytesPerPacket.Store(overhead)
}

func (r *rateController) transportOverhead() int64 {
	return r.transportOverheadBytesPerPacket.Load()
}

func (r *rateController) targetRateBps() int64 {
	return r.encoderTargetRateBps
}

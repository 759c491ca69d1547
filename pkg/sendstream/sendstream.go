package sendstream

import (
	"io"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"

	"github.com/peermedia/videosend/pkg/config"
	"github.com/peermedia/videosend/pkg/utils"
)

const videoOrientationURI = "urn:3gpp:video-orientation"

type SendStreamParams struct {
	Config  *StreamConfig
	Options config.SendStreamConfig

	// per-SSRC state from a previous incarnation of this stream, so sending
	// resumes without an RTP discontinuity
	SuspendedRtpStates     map[uint32]RtpState
	SuspendedPayloadStates map[uint32]RtpPayloadState

	InitialEncoderMaxBitrateBps   int64
	InitialEncoderBitratePriority float64

	Allocator     BitrateAllocator
	Fec           FecController
	Encoder       VideoEncoder
	Stats         StatsSink
	ModuleFactory ModuleFactory
	PacketRouter  PacketRouter
	Feedback      FeedbackRegistry

	// optional tap on encoder output
	PostEncode PostEncodeObserver

	Logger logger.Logger
}

// SendStream orchestrates one outbound video stream: it owns the per-SSRC
// RTP modules, converts bandwidth estimates into encoder/protection rates,
// and watches encoder liveness.
//
// All state is owned by a single serialized ops queue. Entry points arriving
// on foreign goroutines (encoder output, RTCP delivery, packet feedback)
// either re-dispatch onto the queue or touch only internally synchronized
// state.
type SendStream struct {
	params SendStreamParams

	queue *utils.OpsQueue
	// revoked during Close, before the queue is stopped; reposted closures
	// check it before touching stream state
	live core.Fuse

	policy      ProtectionPolicy
	modules     *moduleSet
	rate        *rateController
	feedback    *feedbackTracker
	useLossMask bool

	watchdogMu sync.Mutex
	watchdog   *encoderWatchdog

	recorderMu sync.Mutex
	recorders  [maxSimulcastStreams]*ivfWriter

	closed bool // queue-affine
}

// NewSendStream blocks until initialization has completed on the stream's
// queue; the stream is ready for Start when it returns. An invalid config is
// a programming error by the owning call site and panics.
func NewSendStream(params SendStreamParams) *SendStream {
	if err := params.Config.validate(); err != nil {
		panic(err)
	}
	if params.InitialEncoderMaxBitrateBps <= 0 {
		panic("initial encoder max bitrate must be positive")
	}

	s := &SendStream{
		params: params,
		queue:  utils.NewOpsQueue(params.Logger, "send-stream", params.Options.OpsQueueDepth),
		live:   core.NewFuse(),
	}

	s.queue.Start()
	s.queue.EnqueueWait(s.init)
	return s
}

func (s *SendStream) init() {
	params := s.params
	cfg := params.Config

	s.policy = computeProtectionPolicy(cfg, params.Options.DisableUlpfec, params.Logger)

	s.rate = newRateController(rateControllerParams{
		Config:  cfg,
		Options: params.Options,
		Fec:     params.Fec,
		Encoder: params.Encoder,
		Stats:   params.Stats,
		Logger:  params.Logger,
	}, params.InitialEncoderMaxBitrateBps, params.InitialEncoderBitratePriority)

	s.modules = newModuleSet(moduleSetParams{
		Config:                 cfg,
		Factory:                params.ModuleFactory,
		FlexfecEnabled:         s.policy.FlexfecEnabled,
		OverheadObserver:       s,
		SuspendedRtpStates:     params.SuspendedRtpStates,
		SuspendedPayloadStates: params.SuspendedPayloadStates,
		Logger:                 params.Logger,
	})
	s.modules.forEach(func(module RtpModule) {
		const rembCandidate = true
		params.PacketRouter.AddSendRtpModule(module, rembCandidate)
	})
	if err := s.modules.registerExtensions(); err != nil {
		params.Logger.Errorw("could not register header extensions", err)
	}

	s.modules.applyProtection(s.policy)
	params.Fec.SetProtectionMethod(s.policy.fecEnabled(), s.policy.NackEnabled)
	params.Fec.SetProtectionCallback(s)

	s.feedback = newFeedbackTracker(params.Options.FeedbackWindowCapacity, params.Logger)
	// loss attribution needs transport-wide sequence numbers on the wire
	s.useLossMask = params.Fec.UseLossVectorMask() && cfg.hasExtension(sdp.TransportCCURI)
	if s.useLossMask {
		params.Feedback.RegisterPacketFeedbackObserver(s)
	}

	params.Encoder.SetStartBitrate(params.Allocator.GetStartBitrate(s))

	// only request rotation at the source when the remote cannot handle the
	// rotation extension
	rotationApplied := !cfg.hasExtension(videoOrientationURI)
	params.Encoder.SetSink(s, rotationApplied)

	if cfg.ContentType == ContentTypeScreenshare {
		params.Encoder.SetBitrateObserver(s)
	}

	params.Logger.Infow("created send stream",
		"ssrcs", cfg.SSRCs,
		"rtxSsrcs", cfg.RtxSSRCs,
		"protection", s.policy,
	)
}

// ---------------------------------------------------------------------------
// lifecycle

// Start registers the stream with the bandwidth allocator, starts encoder
// monitoring and requests a keyframe. Idempotent. Returns once the stream is
// accepting frames.
func (s *SendStream) Start() {
	s.queue.EnqueueWait(func() {
		if s.closed || s.modules.isActive() {
			return
		}
		s.params.Logger.Infow("starting send stream")
		s.modules.setActive(true)
		s.startupSendStream()
	})
}

// Stop deregisters from the allocator, stops encoder monitoring and drops
// the encoder to zero bitrate. Idempotent.
func (s *SendStream) Stop() {
	s.queue.Enqueue(func() {
		if s.closed || !s.modules.isActive() {
			return
		}
		s.params.Logger.Infow("stopping send stream")
		s.modules.setActive(false)
		s.stopSendStream()
	})
}

// UpdateActiveSimulcastLayers toggles per-layer sending. The flag slice must
// have one entry per media SSRC. Transitioning between "all inactive" and
// "some active" carries Start/Stop semantics.
func (s *SendStream) UpdateActiveSimulcastLayers(activeLayers []bool) {
	if len(activeLayers) != len(s.params.Config.SSRCs) {
		panic("active layer flags must match media SSRC count")
	}
	s.queue.EnqueueWait(func() {
		if s.closed {
			return
		}
		previouslyActive := s.modules.isActive()
		s.modules.setActiveModules(activeLayers)
		active := s.modules.isActive()
		if !active && previouslyActive {
			s.stopSendStream()
		} else if active && !previouslyActive {
			s.startupSendStream()
		}
	})
}

func (s *SendStream) startupSendStream() {
	s.addAllocatorObserver()

	s.watchdogMu.Lock()
	watchdog := newEncoderWatchdog(
		s.params.Options.EncoderTimeout, s.queue,
		s.onEncoderTimedOut, s.onEncoderActive, s.params.Logger)
	s.watchdog = watchdog
	s.watchdogMu.Unlock()
	watchdog.start()

	s.params.Encoder.SendKeyFrame()
}

func (s *SendStream) stopSendStream() {
	s.params.Allocator.RemoveObserver(s)

	s.watchdogMu.Lock()
	if s.watchdog != nil {
		s.watchdog.stopMonitoring()
		s.watchdog = nil
	}
	s.watchdogMu.Unlock()

	s.params.Encoder.OnBitrateUpdated(0, 0, 0)
	s.params.Stats.OnSetEncoderTargetRate(0)
}

func (s *SendStream) addAllocatorObserver() {
	s.params.Allocator.AddObserver(s,
		s.rate.encoderMinBitrateBps,
		s.rate.encoderMaxBitrateBps,
		s.rate.maxPaddingBitrateBps,
		!s.params.Config.SuspendBelowMinBitrate,
		s.params.Config.TrackID,
		s.rate.encoderBitratePriority,
	)
}

// Close stops the stream, detaches it from the transport and exports the
// per-SSRC states for a later restart. The stream is unusable afterwards.
func (s *SendStream) Close() (map[uint32]RtpState, map[uint32]RtpPayloadState) {
	var rtpStates map[uint32]RtpState
	var payloadStates map[uint32]RtpPayloadState

	s.queue.EnqueueWait(func() {
		if s.closed {
			return
		}
		s.closed = true

		if s.modules.isActive() {
			s.modules.setActive(false)
			s.stopSendStream()
		}

		// feedback deregistration must precede module teardown
		if s.useLossMask {
			s.params.Feedback.DeregisterPacketFeedbackObserver(s)
		}

		rtpStates = s.modules.rtpStates()
		payloadStates = s.modules.rtpPayloadStates()

		s.modules.forEach(func(module RtpModule) {
			s.params.PacketRouter.RemoveSendRtpModule(module)
		})

		s.recorderMu.Lock()
		for i, recorder := range s.recorders {
			if recorder != nil {
				if err := recorder.close(); err != nil {
					s.params.Logger.Warnw("could not close frame recording", err, "layer", i)
				}
				s.recorders[i] = nil
			}
		}
		s.recorderMu.Unlock()

		s.live.Break()
		s.params.Logger.Infow("closed send stream")
	})

	s.queue.Stop()
	return rtpStates, payloadStates
}

// ---------------------------------------------------------------------------
// network facing

// DeliverRtcp fans an inbound RTCP packet out to every module. It is called
// from the network goroutine and does not touch queue-affine state; modules
// are internally thread-safe for this call.
func (s *SendStream) DeliverRtcp(packet []byte) bool {
	if _, err := rtcp.Unmarshal(packet); err != nil {
		s.params.Logger.Warnw("dropping malformed RTCP packet", err, "size", len(packet))
		return false
	}
	s.params.Stats.OnRtcpReceived(len(packet))
	s.modules.deliverRtcp(packet)
	return true
}

// SignalNetworkState switches RTCP off while the network is down.
func (s *SendStream) SignalNetworkState(state NetworkState) {
	s.queue.Enqueue(func() {
		if s.closed {
			return
		}
		mode := s.params.Config.RtcpMode
		if state == NetworkDown {
			mode = RtcpModeOff
		}
		s.modules.setRtcpStatus(mode)
	})
}

// SetTransportOverhead updates the per-packet transport overhead and shrinks
// the RTP packet size to keep packets within the path MTU. Overhead at or
// above the MTU is rejected and prior state retained.
func (s *SendStream) SetTransportOverhead(overheadBytesPerPacket int) error {
	if overheadBytesPerPacket >= pathMTU {
		s.params.Logger.Errorw("transport overhead exceeds size of ethernet frame", nil,
			"overhead", overheadBytesPerPacket)
		return ErrOverheadExceedsMTU
	}

	s.queue.EnqueueWait(func() {
		if s.closed {
			return
		}
		s.rate.setTransportOverheadBytesPerPacket(int64(overheadBytesPerPacket))

		packetSize := s.params.Config.MaxPacketSize
		if max := pathMTU - overheadBytesPerPacket; packetSize > max {
			packetSize = max
		}
		s.modules.setMaxRtpPacketSize(packetSize)
	})
	return nil
}

// ---------------------------------------------------------------------------
// state export

func (s *SendStream) GetRtpStates() map[uint32]RtpState {
	var states map[uint32]RtpState
	s.queue.EnqueueWait(func() {
		states = s.modules.rtpStates()
	})
	return states
}

func (s *SendStream) GetRtpPayloadStates() map[uint32]RtpPayloadState {
	var states map[uint32]RtpPayloadState
	s.queue.EnqueueWait(func() {
		states = s.modules.rtpPayloadStates()
	})
	return states
}

// ---------------------------------------------------------------------------
// recording

// EnableEncodedFrameRecording starts dumping encoder output per simulcast
// layer, nil writers disable a layer. A keyframe is requested so recordings
// start decodable.
func (s *SendStream) EnableEncodedFrameRecording(writers []io.Writer, byteLimit int64) {
	s.recorderMu.Lock()
	any := false
	for i := 0; i < maxSimulcastStreams; i++ {
		if s.recorders[i] != nil {
			if err := s.recorders[i].close(); err != nil {
				s.params.Logger.Warnw("could not close frame recording", err, "layer", i)
			}
			s.recorders[i] = nil
		}
		if i < len(writers) && writers[i] != nil {
			s.recorders[i] = newIvfWriter(writers[i], byteLimit)
			any = true
		}
	}
	s.recorderMu.Unlock()

	if any {
		s.params.Encoder.SendKeyFrame()
	}
}

// ---------------------------------------------------------------------------
// BitrateObserver

// OnBitrateUpdated splits a bandwidth estimate into encoder target and
// protection rates and returns the protection budget to the allocator. It
// runs on the stream's queue; calling it on a stopped stream is a
// programming error.
func (s *SendStream) OnBitrateUpdated(bitrateBps int64, fractionLoss uint8, rtt time.Duration, probeInterval time.Duration) int64 {
	if !s.modules.isActive() {
		panic("OnBitrateUpdated without Start")
	}
	lossMask := s.feedback.takeLossMask()
	return s.rate.onBitrateUpdated(bitrateBps, fractionLoss, rtt, lossMask)
}

// ---------------------------------------------------------------------------
// EncoderSink

// OnEncodedImage runs on whatever goroutine the encoder implementation uses;
// hardware encoders may call it from several goroutines in parallel.
func (s *SendStream) OnEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) error {
	s.watchdogMu.Lock()
	if s.watchdog != nil {
		s.watchdog.onFrame()
	}
	s.watchdogMu.Unlock()

	s.params.Fec.UpdateWithEncodedData(len(image.Payload), image.FrameType)

	err := s.modules.sendEncodedImage(image, codecInfo)

	s.params.Stats.OnEncodedFrame(len(image.Payload))

	if observer := s.params.PostEncode; observer != nil {
		observer.OnPostEncodedImage(image, codecInfo)
	}

	layer := 0
	if codecInfo != nil {
		layer = codecInfo.SimulcastIdx
	}
	if layer >= 0 && layer < maxSimulcastStreams {
		codec := s.params.Config.PayloadName
		if codecInfo != nil && codecInfo.Codec != "" {
			codec = codecInfo.Codec
		}
		s.recorderMu.Lock()
		if s.recorders[layer] != nil {
			if werr := s.recorders[layer].writeFrame(image, codec); werr != nil {
				s.params.Logger.Warnw("could not record encoded frame", werr, "layer", layer)
			}
		}
		s.recorderMu.Unlock()
	}

	return err
}

// OnEncoderConfigurationChanged recomputes the stream's rate bounds from new
// layer configuration. May be called from any goroutine.
func (s *SendStream) OnEncoderConfigurationChanged(streams []VideoStream, minTransmitBitrateBps int64) {
	s.queue.Enqueue(func() {
		if s.live.IsBroken() {
			return
		}
		s.onEncoderConfigurationChanged(streams, minTransmitBitrateBps)
	})
}

func (s *SendStream) onEncoderConfigurationChanged(streams []VideoStream, minTransmitBitrateBps int64) {
	cfg := s.params.Config
	if len(streams) == 0 || len(streams) > len(cfg.SSRCs) {
		panic("encoder layer configuration does not fit SSRC topology")
	}

	s.rate.applyEncoderConfiguration(streams, minTransmitBitrateBps)

	// clear stats for disabled layers
	for i := len(streams); i < len(cfg.SSRCs); i++ {
		s.params.Stats.OnInactiveSsrc(cfg.SSRCs[i])
	}

	numTemporalLayers := streams[len(streams)-1].NumTemporalLayers
	if numTemporalLayers == 0 {
		numTemporalLayers = 1
	}
	s.params.Fec.SetEncodingData(streams[0].Width, streams[0].Height, numTemporalLayers, cfg.MaxPacketSize)

	if s.modules.isActive() {
		// already started, refresh the allocator with the new bounds
		s.addAllocatorObserver()
	}
}

// ---------------------------------------------------------------------------
// BitrateAllocationObserver

func (s *SendStream) OnBitrateAllocationUpdated(allocation VideoBitrateAllocation) {
	s.modules.forEach(func(module RtpModule) {
		module.SetVideoBitrateAllocation(allocation)
	})
}

// ---------------------------------------------------------------------------
// ProtectionCallback

// ProtectionRequest pushes FEC parameters to every module and aggregates the
// actually sent rates back to the FEC controller. Runs on the stream's queue
// (the FEC controller calls it from within UpdateFecRates).
func (s *SendStream) ProtectionRequest(deltaParams *FecProtectionParams, keyParams *FecProtectionParams) (int64, int64, int64) {
	return s.modules.protectionRequest(deltaParams, keyParams)
}

// ---------------------------------------------------------------------------
// OverheadObserver

// OnOverheadChanged is reported by modules when their RTP header overhead
// changes, possibly from a foreign goroutine.
func (s *SendStream) OnOverheadChanged(overheadBytesPerPacket int64) {
	s.rate.setOverheadBytesPerPacket(overheadBytesPerPacket)
}

// ---------------------------------------------------------------------------
// PacketFeedbackObserver

func (s *SendStream) OnPacketAdded(ssrc uint32, seqNum uint16) {
	s.queue.Enqueue(func() {
		if s.live.IsBroken() {
			return
		}
		if s.params.Config.isMediaSSRC(ssrc) {
			s.feedback.onPacketAdded(seqNum)
		}
	})
}

func (s *SendStream) OnPacketFeedbackVector(reports []PacketFeedback) {
	s.queue.Enqueue(func() {
		if s.live.IsBroken() {
			return
		}
		s.feedback.onPacketFeedback(reports)
	})
}

// ---------------------------------------------------------------------------
// watchdog notifications, run on the stream's queue

func (s *SendStream) onEncoderTimedOut() {
	// deregister only if the encoder was supposed to be producing
	if s.rate.targetRateBps() > 0 {
		s.params.Allocator.RemoveObserver(s)
	}
}

func (s *SendStream) onEncoderActive() {
	s.addAllocatorObserver()
}

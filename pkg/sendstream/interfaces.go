package sendstream

import (
	"time"
)

// Collaborator contracts. The orchestrator configures and drives these; it
// does not implement any of them itself (it implements the observer side).

// ---------------------------------------------------------------------------

// BitrateObserver receives bandwidth-estimate updates from the allocator and
// returns the bitrate it spends on stream protection (FEC + NACK), which the
// allocator reclaims. Invoked on the stream's serialized queue.
type BitrateObserver interface {
	OnBitrateUpdated(bitrateBps int64, fractionLoss uint8, rtt time.Duration, probeInterval time.Duration) (protectionBps int64)
}

// BitrateAllocator distributes one estimated network rate across registered
// observers.
type BitrateAllocator interface {
	AddObserver(observer BitrateObserver, minBitrateBps int64, maxBitrateBps int64, maxPaddingBitrateBps int64, allowBelowMin bool, trackID string, priority float64)
	RemoveObserver(observer BitrateObserver)
	GetStartBitrate(observer BitrateObserver) int64
}

// ---------------------------------------------------------------------------

type FecMaskType int

const (
	FecMaskRandom FecMaskType = iota
	FecMaskBursty
)

type FecProtectionParams struct {
	FecRate      uint8
	MaxFecFrames uint8
	MaskType     FecMaskType
}

// ProtectionCallback lets the FEC controller push computed protection
// parameters down to the RTP modules and read back what was actually sent.
type ProtectionCallback interface {
	ProtectionRequest(deltaParams *FecProtectionParams, keyParams *FecProtectionParams) (videoRateBps int64, nackRateBps int64, fecRateBps int64)
}

// FecController owns the media/protection rate split.
type FecController interface {
	SetProtectionCallback(cb ProtectionCallback)
	SetProtectionMethod(fecEnabled bool, nackEnabled bool)
	SetEncodingData(width int, height int, numTemporalLayers int, maxPacketSize int)
	// UpdateFecRates returns the encoder target rate, i.e. the payload rate
	// net of the controller's own protection estimate.
	UpdateFecRates(payloadBitrateBps int64, actualFrameRate float64, fractionLost uint8, lossMask []bool, rtt time.Duration) int64
	UpdateWithEncodedData(sizeBytes int, frameType FrameType)
	// UseLossVectorMask reports whether the controller wants per-packet loss
	// attribution from transport feedback.
	UseLossVectorMask() bool
}

// ---------------------------------------------------------------------------

// RtpModule is one RTP/RTCP sender, one per media SSRC (its RTX SSRC shares
// the module). IncomingRtcpPacket and SendEncodedImage are safe to call from
// any goroutine; configuration calls are made from the stream's queue.
type RtpModule interface {
	SetSSRC(ssrc uint32)
	SetRtxSSRC(ssrc uint32)
	SetRtpState(state RtpState)
	GetRtpState() RtpState
	SetRtxState(state RtpState)
	GetRtxState() RtpState
	SetRtpPayloadState(state RtpPayloadState)
	GetRtpPayloadState() RtpPayloadState

	RegisterVideoSendPayload(payloadType int, payloadName string)
	SetRtxSendPayloadType(payloadType int, associatedPayloadType int)
	RegisterSendRtpHeaderExtension(uri string, id int) error
	SetStorePacketsStatus(enable bool, historySize int)
	SetUlpfecConfig(redPayloadType int, ulpfecPayloadType int)
	SetMaxRtpPacketSize(size int)
	SetCNAME(cname string)

	SetSending(sending bool)
	IsSending() bool

	SendEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) error

	IncomingRtcpPacket(packet []byte)
	SetRtcpStatus(mode RtcpMode)

	SetFecParameters(deltaParams FecProtectionParams, keyParams FecProtectionParams)
	BitrateSent() (videoRateBps int64, fecRateBps int64, nackRateBps int64)

	SetVideoBitrateAllocation(allocation VideoBitrateAllocation)

	// GetFlexfecState exports the RTP state of the module's FlexFEC sender;
	// only meaningful when the module was created with FlexfecEnabled
	GetFlexfecState() RtpState
}

// OverheadObserver is notified when a module's per-packet RTP overhead
// changes, possibly from a foreign goroutine.
type OverheadObserver interface {
	OnOverheadChanged(overheadBytesPerPacket int64)
}

// ModuleConfig is handed to the factory for every media SSRC.
type ModuleConfig struct {
	SSRC uint32
	// module should attach a FlexFEC sender protecting this SSRC
	FlexfecEnabled bool
	// resumed state for the FlexFEC SSRC, nil on a fresh start
	FlexfecRtpState *RtpState
	RtcpMode        RtcpMode
	// sink for per-packet overhead reports from this module
	OverheadObserver OverheadObserver
}

type ModuleFactory interface {
	CreateModule(config ModuleConfig) RtpModule
}

// PacketRouter is the transport-side registry of sending RTP modules.
type PacketRouter interface {
	AddSendRtpModule(module RtpModule, rembCandidate bool)
	RemoveSendRtpModule(module RtpModule)
}

// ---------------------------------------------------------------------------

// PacketFeedback is one transport feedback report for a sent packet.
type PacketFeedback struct {
	SequenceNumber uint16
	// microseconds; PacketArrivalTimeNotReceived when the packet was lost
	ArrivalTimeUs int64
}

const PacketArrivalTimeNotReceived int64 = -1

// PacketFeedbackObserver is notified of sent packets and later feedback.
// Calls may arrive on a foreign goroutine.
type PacketFeedbackObserver interface {
	OnPacketAdded(ssrc uint32, seqNum uint16)
	OnPacketFeedbackVector(reports []PacketFeedback)
}

// FeedbackRegistry is the transport hook for packet feedback observers.
type FeedbackRegistry interface {
	RegisterPacketFeedbackObserver(observer PacketFeedbackObserver)
	DeregisterPacketFeedbackObserver(observer PacketFeedbackObserver)
}

// ---------------------------------------------------------------------------

// EncoderSink receives encoder output; implemented by the orchestrator and
// registered with the encoder. Called on arbitrary encoder goroutines.
type EncoderSink interface {
	OnEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) error
	OnEncoderConfigurationChanged(streams []VideoStream, minTransmitBitrateBps int64)
}

// PostEncodeObserver taps every frame leaving the encoder after it has been
// handed to the RTP modules, e.g. for quality analysis or local preview.
// Called on encoder goroutines; implementations must not block.
type PostEncodeObserver interface {
	OnPostEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo)
}

// BitrateAllocationObserver receives per-layer bitrate allocations, used for
// screen-share content where allocations are signaled to the remote side.
type BitrateAllocationObserver interface {
	OnBitrateAllocationUpdated(allocation VideoBitrateAllocation)
}

// VideoBitrateAllocation is a per-layer split of the encoder target rate.
type VideoBitrateAllocation struct {
	LayerBitrateBps []int64
}

// VideoEncoder is the stream's encoder front end.
type VideoEncoder interface {
	SetSink(sink EncoderSink, rotationApplied bool)
	SetBitrateObserver(observer BitrateAllocationObserver)
	SetStartBitrate(startBitrateBps int64)
	OnBitrateUpdated(targetBitrateBps int64, fractionLoss uint8, rtt time.Duration)
	SendKeyFrame()
}

// ---------------------------------------------------------------------------

// StatsSink is the write-only statistics surface; the stream additionally
// reads the measured send frame rate back for FEC rate computation.
type StatsSink interface {
	OnSetEncoderTargetRate(bitrateBps int64)
	OnInactiveSsrc(ssrc uint32)
	OnEncodedFrame(sizeBytes int)
	OnRtcpReceived(packetBytes int)
	GetSendFrameRate() float64
}

package sendstream

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// we don't do MTU discovery, so assume the standard ethernet MTU
const pathMTU = 1500

// minimum send-side packet history kept for NACK-driven retransmission
const minSendSidePacketHistorySize = 600

const maxSimulcastStreams = 4

// ---------------------------------------------------------------------------

type RtcpMode int

const (
	RtcpModeCompound RtcpMode = iota
	RtcpModeReducedSize
	RtcpModeOff
)

func (m RtcpMode) String() string {
	switch m {
	case RtcpModeCompound:
		return "compound"
	case RtcpModeReducedSize:
		return "reduced-size"
	case RtcpModeOff:
		return "off"
	default:
		return fmt.Sprintf("%d", int(m))
	}
}

// ---------------------------------------------------------------------------

type NetworkState int

const (
	NetworkUp NetworkState = iota
	NetworkDown
)

// ---------------------------------------------------------------------------

type VideoContentType int

const (
	ContentTypeCamera VideoContentType = iota
	ContentTypeScreenshare
)

// ---------------------------------------------------------------------------

type FrameType int

const (
	FrameTypeDelta FrameType = iota
	FrameTypeKey
)

// EncodedImage is one encoder output frame handed to the orchestrator.
type EncodedImage struct {
	Payload   []byte
	FrameType FrameType
	Timestamp uint32
	Width     int
	Height    int
}

// CodecSpecificInfo accompanies every encoded frame.
type CodecSpecificInfo struct {
	Codec        string // mime type or short codec name
	SimulcastIdx int
	TemporalIdx  int
}

// ---------------------------------------------------------------------------

// RtpState is the per-SSRC sequence/timestamp state persisted across stream
// restarts so a resumed stream continues without an RTP discontinuity.
type RtpState struct {
	SequenceNumber    uint16
	StartTimestamp    uint32
	Timestamp         uint32
	CaptureTimeMs     int64
	LastTimestampTime int64
	MediaHasBeenSent  bool
}

// RtpPayloadState is the payload-specific counterpart of RtpState.
type RtpPayloadState struct {
	PictureID int16
	Tl0PicIdx uint8
}

// ---------------------------------------------------------------------------

type FlexfecConfig struct {
	// payload type, -1 when FlexFEC is not negotiated
	PayloadType int
	SSRC        uint32
	// media SSRCs covered by the FlexFEC stream
	ProtectedMediaSSRCs []uint32
}

type UlpfecConfig struct {
	// payload types, -1 when not negotiated
	RedPayloadType    int
	UlpfecPayloadType int
	RedRtxPayloadType int
}

type NackConfig struct {
	// length of the retransmission history window, 0 disables NACK
	HistoryMs int
}

// StreamConfig describes one outbound video stream. It is immutable for the
// lifetime of the stream; encoder reconfiguration replaces derived rate
// bounds, never the SSRC topology.
type StreamConfig struct {
	SSRCs    []uint32
	RtxSSRCs []uint32

	PayloadType    int
	PayloadName    string
	RtxPayloadType int

	Extensions []webrtc.RTPHeaderExtensionParameter

	Flexfec FlexfecConfig
	Ulpfec  UlpfecConfig
	Nack    NackConfig

	MaxPacketSize int

	TrackID string
	CName   string

	RtcpMode    RtcpMode
	ContentType VideoContentType

	// suspend the stream rather than let the allocator go below the
	// configured minimum
	SuspendBelowMinBitrate bool
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Flexfec: FlexfecConfig{PayloadType: -1},
		Ulpfec: UlpfecConfig{
			RedPayloadType:    -1,
			UlpfecPayloadType: -1,
			RedRtxPayloadType: -1,
		},
		MaxPacketSize: 1200,
		RtcpMode:      RtcpModeCompound,
	}
}

func (c *StreamConfig) validate() error {
	if len(c.SSRCs) == 0 {
		return errNoSSRCs
	}
	if len(c.RtxSSRCs) != 0 && len(c.RtxSSRCs) != len(c.SSRCs) {
		return errRtxSSRCMismatch
	}
	if c.PayloadType < 0 || c.PayloadType > 127 {
		return errInvalidPayloadType
	}
	for _, ext := range c.Extensions {
		// one-byte-extension local identifiers are in the range 1-14 inclusive
		if ext.ID < 1 || ext.ID > 14 {
			return errInvalidExtensionID
		}
	}
	return nil
}

func (c *StreamConfig) isMediaSSRC(ssrc uint32) bool {
	for _, s := range c.SSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

func (c *StreamConfig) hasExtension(uri string) bool {
	for _, ext := range c.Extensions {
		if ext.URI == uri {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// VideoStream is the rate configuration of one simulcast layer, as reported
// by the encoder on reconfiguration.
type VideoStream struct {
	Width  int
	Height int

	MinBitrateBps    int64
	TargetBitrateBps int64
	MaxBitrateBps    int64

	Active bool

	BitratePriority   float64 // 0 when unset
	NumTemporalLayers int     // 0 when unset
}

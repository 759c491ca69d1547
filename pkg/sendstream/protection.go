package sendstream

import (
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v3"
)

// ProtectionPolicy is the reconciled protection scheme for a stream. Payload
// types are -1 when the scheme is disabled.
type ProtectionPolicy struct {
	FlexfecEnabled    bool
	RedPayloadType    int
	UlpfecPayloadType int
	NackEnabled       bool
}

func (p ProtectionPolicy) redEnabled() bool    { return p.RedPayloadType >= 0 }
func (p ProtectionPolicy) ulpfecEnabled() bool { return p.UlpfecPayloadType >= 0 }

// fecEnabled reports whether the FEC rate-control logic should run. ULPFEC
// and FlexFEC share the same rate calculation.
func (p ProtectionPolicy) fecEnabled() bool { return p.FlexfecEnabled || p.ulpfecEnabled() }

// flexfecUsable checks the FlexFEC portion of the config for consistency.
// Inconsistent configuration disables FlexFEC rather than failing the stream.
func flexfecUsable(cfg *StreamConfig, log logger.Logger) bool {
	if cfg.Flexfec.PayloadType < 0 {
		return false
	}
	if cfg.Flexfec.PayloadType > 127 {
		log.Warnw("invalid FlexFEC payload type, disabling FlexFEC", nil,
			"payloadType", cfg.Flexfec.PayloadType)
		return false
	}
	if cfg.Flexfec.SSRC == 0 {
		log.Warnw("FlexFEC is enabled, but no FlexFEC SSRC given, disabling FlexFEC", nil)
		return false
	}
	if len(cfg.Flexfec.ProtectedMediaSSRCs) == 0 {
		log.Warnw("FlexFEC is enabled, but no protected media SSRC given, disabling FlexFEC", nil)
		return false
	}
	if len(cfg.Flexfec.ProtectedMediaSSRCs) > 1 {
		// protecting multiple media streams is not supported; disable
		// entirely to avoid a partially protected stream
		log.Warnw("multiple FlexFEC protected media SSRCs are not supported, disabling FlexFEC", nil)
		return false
	}
	return true
}

// codecSupportsSkippingFecPackets reports whether the payload carries a
// picture ID, letting a receiver skip lost FEC packets without waiting for
// retransmission. Only VP8 and VP9 qualify.
func codecSupportsSkippingFecPackets(payloadName string) bool {
	switch {
	case strings.EqualFold(payloadName, webrtc.MimeTypeVP8),
		strings.EqualFold(payloadName, webrtc.MimeTypeVP9),
		strings.EqualFold(payloadName, "VP8"),
		strings.EqualFold(payloadName, "VP9"):
		return true
	}
	return false
}

// computeProtectionPolicy reconciles FlexFEC, RED+ULPFEC and NACK into one
// consistent policy. Rules fire in order and each disable decision is final
// within the pass.
func computeProtectionPolicy(cfg *StreamConfig, disableUlpfec bool, log logger.Logger) ProtectionPolicy {
	policy := ProtectionPolicy{
		FlexfecEnabled:    flexfecUsable(cfg, log),
		RedPayloadType:    cfg.Ulpfec.RedPayloadType,
		UlpfecPayloadType: cfg.Ulpfec.UlpfecPayloadType,
		NackEnabled:       cfg.Nack.HistoryMs > 0,
	}

	if disableUlpfec {
		log.Infow("ULPFEC sending is disabled by configuration")
		policy.UlpfecPayloadType = -1
	}

	// FlexFEC takes priority over RED+ULPFEC. A receiver negotiating FlexFEC
	// does not need the legacy RED carrier.
	if policy.FlexfecEnabled {
		if policy.redEnabled() {
			log.Infow("both FlexFEC and RED are configured, disabling RED")
			policy.RedPayloadType = -1
		}
		if policy.ulpfecEnabled() {
			log.Infow("both FlexFEC and ULPFEC are configured, disabling ULPFEC")
			policy.UlpfecPayloadType = -1
		}
	}

	// Without a picture ID the receiver cannot declare a frame complete
	// while skipping lost FEC, so NACK+ULPFEC retransmits the FEC packets
	// anyway. FlexFEC does not have this problem.
	if policy.NackEnabled && policy.ulpfecEnabled() && !codecSupportsSkippingFecPackets(cfg.PayloadName) {
		log.Warnw("NACK+ULPFEC on a payload without picture ID wastes bandwidth, disabling ULPFEC", nil)
		policy.UlpfecPayloadType = -1
	}

	// legacy receivers can only decode ULPFEC inside RED
	if policy.ulpfecEnabled() && !policy.redEnabled() {
		log.Warnw("ULPFEC is enabled but RED is disabled, disabling ULPFEC", nil)
		policy.UlpfecPayloadType = -1
	}

	return policy
}

package sendstream

import (
	"github.com/livekit/protocol/logger"
)

type moduleSetParams struct {
	Config                 *StreamConfig
	Factory                ModuleFactory
	FlexfecEnabled         bool
	OverheadObserver       OverheadObserver
	SuspendedRtpStates     map[uint32]RtpState
	SuspendedPayloadStates map[uint32]RtpPayloadState
	Logger                 logger.Logger
}

// moduleSet owns one RTP module per media SSRC and keeps per-layer sending
// flags. All methods except sendEncodedImage are called from the stream's
// serialized queue.
type moduleSet struct {
	params moduleSetParams

	modules []RtpModule
	// module carrying the FlexFEC sender, nil when FlexFEC is off
	flexfecModule RtpModule
}

func newModuleSet(params moduleSetParams) *moduleSet {
	s := &moduleSet{
		params: params,
	}

	cfg := params.Config
	// the highest spatial layer is created first so the transport prioritizes
	// it when sending padding
	for _, ssrc := range cfg.SSRCs {
		flexfec := params.FlexfecEnabled && cfg.Flexfec.protects(ssrc)
		var flexfecState *RtpState
		if flexfec {
			if state, ok := params.SuspendedRtpStates[cfg.Flexfec.SSRC]; ok {
				flexfecState = &state
			}
		}
		module := params.Factory.CreateModule(ModuleConfig{
			SSRC:             ssrc,
			FlexfecEnabled:   flexfec,
			FlexfecRtpState:  flexfecState,
			RtcpMode:         cfg.RtcpMode,
			OverheadObserver: params.OverheadObserver,
		})
		module.SetSending(false)
		module.SetRtcpStatus(cfg.RtcpMode)
		s.modules = append(s.modules, module)
		if flexfec {
			s.flexfecModule = module
		}
	}

	s.configureSsrcs()
	s.configurePayload()
	return s
}

func (f *FlexfecConfig) protects(ssrc uint32) bool {
	for _, protected := range f.ProtectedMediaSSRCs {
		if protected == ssrc {
			return true
		}
	}
	return false
}

func (s *moduleSet) configureSsrcs() {
	cfg := s.params.Config

	for i, ssrc := range cfg.SSRCs {
		module := s.modules[i]
		module.SetSSRC(ssrc)
		if state, ok := s.params.SuspendedRtpStates[ssrc]; ok {
			module.SetRtpState(state)
		}
		if state, ok := s.params.SuspendedPayloadStates[ssrc]; ok {
			module.SetRtpPayloadState(state)
		}
	}

	if len(cfg.RtxSSRCs) == 0 {
		return
	}

	for i, ssrc := range cfg.RtxSSRCs {
		module := s.modules[i]
		module.SetRtxSSRC(ssrc)
		if state, ok := s.params.SuspendedRtpStates[ssrc]; ok {
			module.SetRtxState(state)
		}
	}

	for _, module := range s.modules {
		module.SetRtxSendPayloadType(cfg.RtxPayloadType, cfg.PayloadType)
	}
	// old receivers need RED resent over RTX with its own payload type
	if cfg.Ulpfec.RedPayloadType >= 0 && cfg.Ulpfec.RedRtxPayloadType >= 0 {
		for _, module := range s.modules {
			module.SetRtxSendPayloadType(cfg.Ulpfec.RedRtxPayloadType, cfg.Ulpfec.RedPayloadType)
		}
	}
}

func (s *moduleSet) configurePayload() {
	cfg := s.params.Config

	s.modules[0].SetCNAME(cfg.CName)
	for _, module := range s.modules {
		module.SetMaxRtpPacketSize(cfg.MaxPacketSize)
		module.RegisterVideoSendPayload(cfg.PayloadType, cfg.PayloadName)
	}
}

func (s *moduleSet) registerExtensions() error {
	for _, ext := range s.params.Config.Extensions {
		for _, module := range s.modules {
			if err := module.RegisterSendRtpHeaderExtension(ext.URI, ext.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *moduleSet) setActive(active bool) {
	for _, module := range s.modules {
		module.SetSending(active)
	}
}

func (s *moduleSet) setActiveModules(activeLayers []bool) {
	for i, module := range s.modules {
		module.SetSending(activeLayers[i])
	}
}

func (s *moduleSet) isActive() bool {
	for _, module := range s.modules {
		if module.IsSending() {
			return true
		}
	}
	return false
}

// sendEncodedImage routes a frame to the module of its simulcast layer. Safe
// from any goroutine; modules are internally thread-safe for sending.
func (s *moduleSet) sendEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) error {
	idx := 0
	if codecInfo != nil {
		idx = codecInfo.SimulcastIdx
	}
	if idx < 0 || idx >= len(s.modules) {
		return errLayerOutOfRange
	}
	module := s.modules[idx]
	if !module.IsSending() {
		return ErrStreamInactive
	}
	return module.SendEncodedImage(image, codecInfo)
}

func (s *moduleSet) deliverRtcp(packet []byte) {
	for _, module := range s.modules {
		module.IncomingRtcpPacket(packet)
	}
}

func (s *moduleSet) setRtcpStatus(mode RtcpMode) {
	for _, module := range s.modules {
		module.SetRtcpStatus(mode)
	}
}

func (s *moduleSet) setMaxRtpPacketSize(size int) {
	for _, module := range s.modules {
		module.SetMaxRtpPacketSize(size)
	}
}

func (s *moduleSet) applyProtection(policy ProtectionPolicy) {
	for _, module := range s.modules {
		module.SetStorePacketsStatus(true, minSendSidePacketHistorySize)
		module.SetUlpfecConfig(policy.RedPayloadType, policy.UlpfecPayloadType)
	}
}

func (s *moduleSet) protectionRequest(deltaParams *FecProtectionParams, keyParams *FecProtectionParams) (videoRateBps int64, nackRateBps int64, fecRateBps int64) {
	for _, module := range s.modules {
		module.SetFecParameters(*deltaParams, *keyParams)
		video, fec, nack := module.BitrateSent()
		videoRateBps += video
		nackRateBps += nack
		fecRateBps += fec
	}
	return
}

func (s *moduleSet) rtpStates() map[uint32]RtpState {
	cfg := s.params.Config
	states := make(map[uint32]RtpState, len(cfg.SSRCs)+len(cfg.RtxSSRCs))

	for i, ssrc := range cfg.SSRCs {
		states[ssrc] = s.modules[i].GetRtpState()
	}
	for i, ssrc := range cfg.RtxSSRCs {
		states[ssrc] = s.modules[i].GetRtxState()
	}
	if s.flexfecModule != nil {
		states[cfg.Flexfec.SSRC] = s.flexfecModule.GetFlexfecState()
	}
	return states
}

func (s *moduleSet) rtpPayloadStates() map[uint32]RtpPayloadState {
	cfg := s.params.Config
	states := make(map[uint32]RtpPayloadState, len(cfg.SSRCs))

	for i, ssrc := range cfg.SSRCs {
		states[ssrc] = s.modules[i].GetRtpPayloadState()
	}
	return states
}

func (s *moduleSet) forEach(fn func(module RtpModule)) {
	for _, module := range s.modules {
		fn(module)
	}
}

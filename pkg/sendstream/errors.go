package sendstream

import "errors"

var (
	errNoSSRCs            = errors.New("stream config has no media SSRCs")
	errRtxSSRCMismatch    = errors.New("RTX SSRC list must be empty or match media SSRC list")
	errInvalidPayloadType = errors.New("payload type out of range")
	errInvalidExtensionID = errors.New("header extension id out of range")

	errLayerOutOfRange = errors.New("simulcast layer has no RTP module")

	ErrOverheadExceedsMTU = errors.New("transport overhead exceeds size of ethernet frame")
	ErrStreamInactive     = errors.New("send stream is not active")
	ErrStreamClosed       = errors.New("send stream is closed")
)

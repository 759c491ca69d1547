package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SendStreamConfig holds the tunables of the send-side stream orchestration.
// Zero values are filled in from DefaultSendStreamConfig.
type SendStreamConfig struct {
	// interval between encoder activity checks
	EncoderTimeout time.Duration `yaml:"encoder_timeout,omitempty"`

	// when enabled, per-packet overhead is subtracted from the bandwidth
	// estimate before it is handed to the encoder / FEC split
	SendSideBweWithOverhead bool `yaml:"send_side_bwe_with_overhead,omitempty"`

	// force ULPFEC off regardless of negotiated payload types
	DisableUlpfec bool `yaml:"disable_ulpfec,omitempty"`

	// floor applied to the encoder min bitrate derived from layer configuration
	MinEncoderBitrate int64 `yaml:"min_encoder_bitrate,omitempty"`

	// number of in-flight sequence numbers tracked for loss attribution
	FeedbackWindowCapacity int `yaml:"feedback_window_capacity,omitempty"`

	// depth of the serialized ops queue
	OpsQueueDepth int `yaml:"ops_queue_depth,omitempty"`
}

var DefaultSendStreamConfig = SendStreamConfig{
	EncoderTimeout: 2 * time.Second,
	// assume an average video stream has around 3 packets per frame
	// (1 Mbps / 30 fps / 1400 B), so 5500 sequence numbers cover at least
	// the last 60 seconds
	FeedbackWindowCapacity: 5500,
	MinEncoderBitrate:      30_000,
	OpsQueueDepth:          128,
}

func NewSendStreamConfig(yamlBytes []byte) (SendStreamConfig, error) {
	conf := DefaultSendStreamConfig
	if len(yamlBytes) > 0 {
		if err := yaml.Unmarshal(yamlBytes, &conf); err != nil {
			return conf, errors.Wrap(err, "could not parse send stream config")
		}
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *SendStreamConfig) applyDefaults() {
	if c.EncoderTimeout == 0 {
		c.EncoderTimeout = DefaultSendStreamConfig.EncoderTimeout
	}
	if c.FeedbackWindowCapacity == 0 {
		c.FeedbackWindowCapacity = DefaultSendStreamConfig.FeedbackWindowCapacity
	}
	if c.MinEncoderBitrate == 0 {
		c.MinEncoderBitrate = DefaultSendStreamConfig.MinEncoderBitrate
	}
	if c.OpsQueueDepth == 0 {
		c.OpsQueueDepth = DefaultSendStreamConfig.OpsQueueDepth
	}
}

func (c *SendStreamConfig) Validate() error {
	if c.EncoderTimeout < 0 {
		return errors.New("encoder_timeout cannot be negative")
	}
	if c.FeedbackWindowCapacity < 0 {
		return errors.New("feedback_window_capacity cannot be negative")
	}
	if c.MinEncoderBitrate < 0 {
		return errors.New("min_encoder_bitrate cannot be negative")
	}
	return nil
}

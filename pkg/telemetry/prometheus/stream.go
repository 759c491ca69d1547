package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const videosendNamespace = "videosend"

var (
	initialized bool

	promEncoderTargetRate *prometheus.GaugeVec
	promFrameTotal        *prometheus.CounterVec
	promFrameBytes        *prometheus.CounterVec
	promRtcpTotal         *prometheus.CounterVec
	promInactiveSsrcTotal *prometheus.CounterVec
)

var promStreamLabels = []string{"track_id"}

func Init(instanceID string) {
	if initialized {
		return
	}
	initialized = true

	constLabels := prometheus.Labels{"instance_id": instanceID}

	promEncoderTargetRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   videosendNamespace,
		Subsystem:   "encoder",
		Name:        "target_rate_bps",
		ConstLabels: constLabels,
	}, promStreamLabels)
	promFrameTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   videosendNamespace,
		Subsystem:   "frame",
		Name:        "total",
		ConstLabels: constLabels,
	}, promStreamLabels)
	promFrameBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   videosendNamespace,
		Subsystem:   "frame",
		Name:        "bytes",
		ConstLabels: constLabels,
	}, promStreamLabels)
	promRtcpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   videosendNamespace,
		Subsystem:   "rtcp",
		Name:        "total",
		ConstLabels: constLabels,
	}, promStreamLabels)
	promInactiveSsrcTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   videosendNamespace,
		Subsystem:   "ssrc",
		Name:        "inactive_total",
		ConstLabels: constLabels,
	}, promStreamLabels)

	prometheus.MustRegister(promEncoderTargetRate)
	prometheus.MustRegister(promFrameTotal)
	prometheus.MustRegister(promFrameBytes)
	prometheus.MustRegister(promRtcpTotal)
	prometheus.MustRegister(promInactiveSsrcTotal)
}

func SetEncoderTargetRate(trackID string, bps int64) {
	if !initialized {
		return
	}
	promEncoderTargetRate.WithLabelValues(trackID).Set(float64(bps))
}

func AddFrame(trackID string, sizeBytes int) {
	if !initialized {
		return
	}
	promFrameTotal.WithLabelValues(trackID).Add(1)
	promFrameBytes.WithLabelValues(trackID).Add(float64(sizeBytes))
}

func AddRtcpPacket(trackID string) {
	if !initialized {
		return
	}
	promRtcpTotal.WithLabelValues(trackID).Add(1)
}

func AddInactiveSsrc(trackID string) {
	if !initialized {
		return
	}
	promInactiveSsrcTotal.WithLabelValues(trackID).Add(1)
}

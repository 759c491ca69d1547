package sendstream

import (
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"

	"github.com/peermedia/videosend/pkg/config"
)

// ---------------------------------------------------------------------------

type fakeModule struct {
	lock sync.Mutex

	ssrc    uint32
	rtxSsrc uint32

	rtpState     RtpState
	rtxState     RtpState
	flexfecState RtpState
	payloadState RtpPayloadState

	payloadType int
	payloadName string

	rtxPayloadTypes [][2]int
	extensions      map[string]int

	storeEnabled bool
	historySize  int

	redPayloadType    int
	ulpfecPayloadType int

	maxPacketSize int
	cname         string
	rtcpMode      RtcpMode

	sending bool

	sentImages  []*EncodedImage
	rtcpPackets [][]byte

	fecParams  []FecProtectionParams
	videoRate  int64
	fecRate    int64
	nackRate   int64
	allocation VideoBitrateAllocation
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		redPayloadType:    -2,
		ulpfecPayloadType: -2,
		extensions:        make(map[string]int),
	}
}

func (m *fakeModule) SetSSRC(ssrc uint32)                  { m.ssrc = ssrc }
func (m *fakeModule) SetRtxSSRC(ssrc uint32)               { m.rtxSsrc = ssrc }
func (m *fakeModule) SetRtpState(state RtpState)           { m.rtpState = state }
func (m *fakeModule) GetRtpState() RtpState                { return m.rtpState }
func (m *fakeModule) SetRtxState(state RtpState)           { m.rtxState = state }
func (m *fakeModule) GetRtxState() RtpState                { return m.rtxState }
func (m *fakeModule) SetRtpPayloadState(s RtpPayloadState) { m.payloadState = s }
func (m *fakeModule) GetRtpPayloadState() RtpPayloadState  { return m.payloadState }

func (m *fakeModule) RegisterVideoSendPayload(payloadType int, payloadName string) {
	m.payloadType = payloadType
	m.payloadName = payloadName
}

func (m *fakeModule) SetRtxSendPayloadType(payloadType int, associatedPayloadType int) {
	m.rtxPayloadTypes = append(m.rtxPayloadTypes, [2]int{payloadType, associatedPayloadType})
}

func (m *fakeModule) RegisterSendRtpHeaderExtension(uri string, id int) error {
	m.extensions[uri] = id
	return nil
}

func (m *fakeModule) SetStorePacketsStatus(enable bool, historySize int) {
	m.storeEnabled = enable
	m.historySize = historySize
}

func (m *fakeModule) SetUlpfecConfig(redPayloadType int, ulpfecPayloadType int) {
	m.redPayloadType = redPayloadType
	m.ulpfecPayloadType = ulpfecPayloadType
}

func (m *fakeModule) SetMaxRtpPacketSize(size int) { m.maxPacketSize = size }
func (m *fakeModule) SetCNAME(cname string)        { m.cname = cname }

func (m *fakeModule) SetSending(sending bool) {
	m.lock.Lock()
	m.sending = sending
	m.lock.Unlock()
}

func (m *fakeModule) IsSending() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sending
}

func (m *fakeModule) SendEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) error {
	m.lock.Lock()
	m.sentImages = append(m.sentImages, image)
	m.lock.Unlock()
	return nil
}

func (m *fakeModule) numSentImages() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sentImages)
}

func (m *fakeModule) IncomingRtcpPacket(packet []byte) {
	m.lock.Lock()
	m.rtcpPackets = append(m.rtcpPackets, packet)
	m.lock.Unlock()
}

func (m *fakeModule) numRtcpPackets() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.rtcpPackets)
}

func (m *fakeModule) SetRtcpStatus(mode RtcpMode) { m.rtcpMode = mode }

func (m *fakeModule) SetFecParameters(deltaParams FecProtectionParams, keyParams FecProtectionParams) {
	m.fecParams = append(m.fecParams, deltaParams, keyParams)
}

func (m *fakeModule) BitrateSent() (int64, int64, int64) {
	return m.videoRate, m.fecRate, m.nackRate
}

func (m *fakeModule) SetVideoBitrateAllocation(allocation VideoBitrateAllocation) {
	m.allocation = allocation
}

func (m *fakeModule) GetFlexfecState() RtpState { return m.flexfecState }

// ---------------------------------------------------------------------------

type fakeModuleFactory struct {
	modules []*fakeModule
	configs []ModuleConfig
}

func (f *fakeModuleFactory) CreateModule(config ModuleConfig) RtpModule {
	module := newFakeModule()
	if config.FlexfecRtpState != nil {
		module.flexfecState = *config.FlexfecRtpState
	}
	f.modules = append(f.modules, module)
	f.configs = append(f.configs, config)
	return module
}

// ---------------------------------------------------------------------------

type fakePostEncodeObserver struct {
	lock   sync.Mutex
	images []*EncodedImage
}

func (o *fakePostEncodeObserver) OnPostEncodedImage(image *EncodedImage, codecInfo *CodecSpecificInfo) {
	o.lock.Lock()
	o.images = append(o.images, image)
	o.lock.Unlock()
}

func (o *fakePostEncodeObserver) numImages() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.images)
}

// ---------------------------------------------------------------------------

type fakeAllocator struct {
	addCalls    atomic.Int32
	removeCalls atomic.Int32

	lock         sync.Mutex
	lastMin      int64
	lastMax      int64
	lastPadding  int64
	lastAllow    bool
	lastTrackID  string
	lastPriority float64

	startBitrate int64
}

func (a *fakeAllocator) AddObserver(observer BitrateObserver, minBitrateBps int64, maxBitrateBps int64, maxPaddingBitrateBps int64, allowBelowMin bool, trackID string, priority float64) {
	a.lock.Lock()
	a.lastMin = minBitrateBps
	a.lastMax = maxBitrateBps
	a.lastPadding = maxPaddingBitrateBps
	a.lastAllow = allowBelowMin
	a.lastTrackID = trackID
	a.lastPriority = priority
	a.lock.Unlock()
	a.addCalls.Inc()
}

func (a *fakeAllocator) RemoveObserver(observer BitrateObserver) {
	a.removeCalls.Inc()
}

func (a *fakeAllocator) GetStartBitrate(observer BitrateObserver) int64 {
	return a.startBitrate
}

// ---------------------------------------------------------------------------

type fakeFecController struct {
	protectionCallback ProtectionCallback

	fecEnabled  bool
	nackEnabled bool

	width             int
	height            int
	numTemporalLayers int
	maxPacketSize     int

	// UpdateFecRates returns payload minus this
	protectionEstimate int64

	lastPayloadBitrate int64
	lastFrameRate      float64
	lastFractionLost   uint8
	lastLossMask       []bool

	encodedBytes  int
	useLossVector bool
}

func (f *fakeFecController) SetProtectionCallback(cb ProtectionCallback) {
	f.protectionCallback = cb
}

func (f *fakeFecController) SetProtectionMethod(fecEnabled bool, nackEnabled bool) {
	f.fecEnabled = fecEnabled
	f.nackEnabled = nackEnabled
}

func (f *fakeFecController) SetEncodingData(width int, height int, numTemporalLayers int, maxPacketSize int) {
	f.width = width
	f.height = height
	f.numTemporalLayers = numTemporalLayers
	f.maxPacketSize = maxPacketSize
}

func (f *fakeFecController) UpdateFecRates(payloadBitrateBps int64, actualFrameRate float64, fractionLost uint8, lossMask []bool, rtt time.Duration) int64 {
	f.lastPayloadBitrate = payloadBitrateBps
	f.lastFrameRate = actualFrameRate
	f.lastFractionLost = fractionLost
	f.lastLossMask = lossMask

	target := payloadBitrateBps - f.protectionEstimate
	if target < 0 {
		target = 0
	}
	return target
}

func (f *fakeFecController) UpdateWithEncodedData(sizeBytes int, frameType FrameType) {
	f.encodedBytes += sizeBytes
}

func (f *fakeFecController) UseLossVectorMask() bool { return f.useLossVector }

// ---------------------------------------------------------------------------

type fakeEncoder struct {
	lock sync.Mutex

	sink            EncoderSink
	rotationApplied bool
	bitrateObserver BitrateAllocationObserver

	startBitrate int64
	targets      []int64
	keyFrames    atomic.Int32
}

func (e *fakeEncoder) SetSink(sink EncoderSink, rotationApplied bool) {
	e.sink = sink
	e.rotationApplied = rotationApplied
}

func (e *fakeEncoder) SetBitrateObserver(observer BitrateAllocationObserver) {
	e.bitrateObserver = observer
}

func (e *fakeEncoder) SetStartBitrate(startBitrateBps int64) {
	e.startBitrate = startBitrateBps
}

func (e *fakeEncoder) OnBitrateUpdated(targetBitrateBps int64, fractionLoss uint8, rtt time.Duration) {
	e.lock.Lock()
	e.targets = append(e.targets, targetBitrateBps)
	e.lock.Unlock()
}

func (e *fakeEncoder) lastTarget() int64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	if len(e.targets) == 0 {
		return -1
	}
	return e.targets[len(e.targets)-1]
}

func (e *fakeEncoder) SendKeyFrame() {
	e.keyFrames.Inc()
}

// ---------------------------------------------------------------------------

type fakeStats struct {
	lock sync.Mutex

	targets   []int64
	inactive  []uint32
	frames    int
	rtcpBytes int

	frameRate float64
}

func (s *fakeStats) OnSetEncoderTargetRate(bitrateBps int64) {
	s.lock.Lock()
	s.targets = append(s.targets, bitrateBps)
	s.lock.Unlock()
}

func (s *fakeStats) lastTarget() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.targets) == 0 {
		return -1
	}
	return s.targets[len(s.targets)-1]
}

func (s *fakeStats) OnInactiveSsrc(ssrc uint32) {
	s.lock.Lock()
	s.inactive = append(s.inactive, ssrc)
	s.lock.Unlock()
}

func (s *fakeStats) OnEncodedFrame(sizeBytes int) {
	s.lock.Lock()
	s.frames++
	s.lock.Unlock()
}

func (s *fakeStats) OnRtcpReceived(packetBytes int) {
	s.lock.Lock()
	s.rtcpBytes += packetBytes
	s.lock.Unlock()
}

func (s *fakeStats) GetSendFrameRate() float64 {
	return s.frameRate
}

// ---------------------------------------------------------------------------

type fakeRouter struct {
	lock    sync.Mutex
	added   []RtpModule
	removed []RtpModule
}

func (r *fakeRouter) AddSendRtpModule(module RtpModule, rembCandidate bool) {
	r.lock.Lock()
	r.added = append(r.added, module)
	r.lock.Unlock()
}

func (r *fakeRouter) RemoveSendRtpModule(module RtpModule) {
	r.lock.Lock()
	r.removed = append(r.removed, module)
	r.lock.Unlock()
}

// ---------------------------------------------------------------------------

type fakeFeedbackRegistry struct {
	registered   atomic.Int32
	deregistered atomic.Int32
}

func (f *fakeFeedbackRegistry) RegisterPacketFeedbackObserver(observer PacketFeedbackObserver) {
	f.registered.Inc()
}

func (f *fakeFeedbackRegistry) DeregisterPacketFeedbackObserver(observer PacketFeedbackObserver) {
	f.deregistered.Inc()
}

// ---------------------------------------------------------------------------

type testStream struct {
	stream    *SendStream
	cfg       *StreamConfig
	options   config.SendStreamConfig
	factory   *fakeModuleFactory
	allocator *fakeAllocator
	fec       *fakeFecController
	encoder   *fakeEncoder
	stats     *fakeStats
	router    *fakeRouter
	feedback  *fakeFeedbackRegistry

	suspendedRtp     map[uint32]RtpState
	suspendedPayload map[uint32]RtpPayloadState
	postEncode       PostEncodeObserver
}

func testStreamConfig() *StreamConfig {
	cfg := DefaultStreamConfig()
	cfg.SSRCs = []uint32{1001, 1002}
	cfg.RtxSSRCs = []uint32{2001, 2002}
	cfg.PayloadType = 96
	cfg.PayloadName = "VP8"
	cfg.RtxPayloadType = 97
	cfg.TrackID = "track-1"
	cfg.CName = "cname"
	return &cfg
}

func newTestStream(cfg *StreamConfig, mutate func(ts *testStream)) *testStream {
	if cfg == nil {
		cfg = testStreamConfig()
	}
	ts := &testStream{
		cfg:       cfg,
		options:   config.DefaultSendStreamConfig,
		factory:   &fakeModuleFactory{},
		allocator: &fakeAllocator{startBitrate: 300_000},
		fec:       &fakeFecController{},
		encoder:   &fakeEncoder{},
		stats:     &fakeStats{frameRate: 30},
		router:    &fakeRouter{},
		feedback:  &fakeFeedbackRegistry{},
	}
	if mutate != nil {
		mutate(ts)
	}

	ts.stream = NewSendStream(SendStreamParams{
		Config:                        ts.cfg,
		Options:                       ts.options,
		SuspendedRtpStates:            ts.suspendedRtp,
		SuspendedPayloadStates:        ts.suspendedPayload,
		InitialEncoderMaxBitrateBps:   2_000_000,
		InitialEncoderBitratePriority: 1.0,
		Allocator:                     ts.allocator,
		Fec:                           ts.fec,
		Encoder:                       ts.encoder,
		Stats:                         ts.stats,
		ModuleFactory:                 ts.factory,
		PacketRouter:                  ts.router,
		Feedback:                      ts.feedback,
		PostEncode:                    ts.postEncode,
		Logger:                        logger.GetLogger(),
	})
	return ts
}

// sync waits for all previously posted ops to drain.
func (ts *testStream) sync() {
	ts.stream.queue.EnqueueWait(func() {})
}

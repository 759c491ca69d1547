package sendstream

import (
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"

	"github.com/peermedia/videosend/pkg/utils"
)

// encoderWatchdog tracks when the encoder last produced a frame. A stalled
// camera should not hold on to bandwidth or trigger padding, so the stream
// deregisters from the allocator while the encoder is timed out.
//
// onFrame may be called from any goroutine; the periodic check runs on the
// stream's serialized queue. The watchdog holds no reference back into the
// stream other than the two callbacks, and both are only invoked from checks
// posted before Stop.
type encoderWatchdog struct {
	interval time.Duration
	queue    *utils.OpsQueue
	logger   logger.Logger

	onTimedOut func()
	onActive   func()

	activity atomic.Bool
	timedOut bool // queue-affine

	stop core.Fuse
}

func newEncoderWatchdog(interval time.Duration, queue *utils.OpsQueue, onTimedOut func(), onActive func(), logger logger.Logger) *encoderWatchdog {
	return &encoderWatchdog{
		interval:   interval,
		queue:      queue,
		logger:     logger,
		onTimedOut: onTimedOut,
		onActive:   onActive,
		stop:       core.NewFuse(),
	}
}

func (w *encoderWatchdog) start() {
	go w.worker()
}

// stopMonitoring revokes the watchdog. It is called from the stream's queue;
// a tick already in flight becomes a no-op.
func (w *encoderWatchdog) stopMonitoring() {
	w.stop.Break()
}

// onFrame records encoder activity. Hardware encoders may call this from
// several goroutines in parallel.
func (w *encoderWatchdog) onFrame() {
	w.activity.Store(true)
}

func (w *encoderWatchdog) worker() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop.Watch():
			return
		case <-ticker.C:
			w.queue.Enqueue(w.check)
		}
	}
}

// check runs on the stream's queue. The activity flag is reset on every
// check regardless of outcome.
func (w *encoderWatchdog) check() {
	if w.stop.IsBroken() {
		return
	}

	if !w.activity.Swap(false) {
		if !w.timedOut {
			w.timedOut = true
			w.logger.Infow("encoder timed out")
			w.onTimedOut()
		}
	} else if w.timedOut {
		w.timedOut = false
		w.logger.Infow("encoder is active")
		w.onActive()
	}
}

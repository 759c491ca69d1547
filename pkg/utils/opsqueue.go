package utils

import (
	"sync"

	"github.com/livekit/protocol/logger"
)

// OpsQueue serializes operations onto a single goroutine. All state owned by
// the queue's consumer may only be touched from enqueued ops.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
}

func NewOpsQueue(logger logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		size:   size,
		ops:    make(chan func(), size),
	}
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.logger = logger
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) IsStopped() bool {
	oq.lock.RLock()
	defer oq.lock.RUnlock()

	return oq.isStopped
}

// Enqueue posts op and returns without waiting for it to run.
func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	if oq.isStopped {
		oq.lock.RUnlock()
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
	}
	oq.lock.RUnlock()
}

// EnqueueWait posts op and blocks until it has run. Must not be called from
// an op already running on the queue.
func (oq *OpsQueue) EnqueueWait(op func()) {
	done := make(chan struct{})
	posted := false

	oq.lock.RLock()
	if !oq.isStopped {
		select {
		case oq.ops <- func() {
			op()
			close(done)
		}:
			posted = true
		default:
			oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
		}
	}
	oq.lock.RUnlock()

	if posted {
		<-done
	}
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
}

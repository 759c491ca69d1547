package sendstream

import (
	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
)

// feedbackTracker correlates sent-packet sequence numbers with later
// transport feedback and accumulates a loss mask for the FEC controller.
// All methods run on the stream's serialized queue.
type feedbackTracker struct {
	logger   logger.Logger
	capacity int

	inFlight map[uint16]struct{}
	lossMask deque.Deque[bool]
}

func newFeedbackTracker(capacity int, logger logger.Logger) *feedbackTracker {
	return &feedbackTracker{
		logger:   logger,
		capacity: capacity,
		inFlight: make(map[uint16]struct{}),
	}
}

// onPacketAdded records an outstanding sequence number. When the window
// exceeds capacity it is cleared wholesale: under sustained overload loss
// attribution degrades to none rather than memory growing without bound.
func (t *feedbackTracker) onPacketAdded(seqNum uint16) {
	t.inFlight[seqNum] = struct{}{}
	if len(t.inFlight) > t.capacity {
		t.logger.Warnw("feedback packet sequence number set exceeded max size, resetting", nil,
			"capacity", t.capacity)
		t.inFlight = make(map[uint16]struct{})
	}
}

// onPacketFeedback appends to the loss mask for every report that matches an
// outstanding sequence number. Unknown reports are ignored; a lost feedback
// packet is not a lost media packet.
func (t *feedbackTracker) onPacketFeedback(reports []PacketFeedback) {
	for _, report := range reports {
		if _, ok := t.inFlight[report.SequenceNumber]; !ok {
			continue
		}
		delete(t.inFlight, report.SequenceNumber)
		t.lossMask.PushBack(report.ArrivalTimeUs == PacketArrivalTimeNotReceived)
	}
}

// takeLossMask consumes the accumulated mask.
func (t *feedbackTracker) takeLossMask() []bool {
	if t.lossMask.Len() == 0 {
		return nil
	}
	mask := make([]bool, 0, t.lossMask.Len())
	for t.lossMask.Len() > 0 {
		mask = append(mask, t.lossMask.PopFront())
	}
	return mask
}

func (t *feedbackTracker) numInFlight() int {
	return len(t.inFlight)
}

package call

import "github.com/pion/webrtc/v4"

// CandidateBuffer holds remote candidates that arrive before the remote
// description is applied. Once flushed it is sealed: later candidates must be
// applied directly and Push refuses them.
//
// It is owned by the engine loop and needs no locking.
type CandidateBuffer struct {
	queue  []webrtc.ICECandidateInit
	sealed bool
}

// Push appends c and reports true, or reports false without queuing if the
// buffer is sealed.
func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) bool {
	if b.sealed {
		return false
	}
	b.queue = append(b.queue, c)
	return true
}

// Flush returns every buffered candidate in arrival order, empties the buffer
// and seals it.
func (b *CandidateBuffer) Flush() []webrtc.ICECandidateInit {
	out := b.queue
	b.queue = nil
	b.sealed = true
	return out
}

// Discard drops all candidates and unseals the buffer for the next call.
func (b *CandidateBuffer) Discard() {
	b.queue = nil
	b.sealed = false
}

// Sealed reports whether the remote description has been applied.
func (b *CandidateBuffer) Sealed() bool { return b.sealed }

// Len returns the number of queued candidates.
func (b *CandidateBuffer) Len() int { return len(b.queue) }

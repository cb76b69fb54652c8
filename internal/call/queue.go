package call

import "github.com/pion/webrtc/v4"

// candidateQueue holds remote candidates that arrived before the peer's
// remote description.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// drain applies every queued candidate in arrival order, then empties the queue.
func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit)) {
	items := q.items
	q.items = nil
	for _, c := range items {
		apply(c)
	}
}

func (q *candidateQueue) len() int { return len(q.items) }

func (q *candidateQueue) reset() { q.items = nil }

package mesh

import (
	"context"

	"github.com/Wyydra/mesh/internal/core/domain"
)

// CandidateApplier applies one remote candidate to a transport.
type CandidateApplier func(ctx context.Context, c domain.ICECandidate) error

type DrainResult struct {
	Applied  int
	Rejected int
}

// IceCandidateQueue holds remote candidates that arrived before a remote
// description was set. It is owned by the coordinator loop and not safe for
// concurrent use.
type IceCandidateQueue struct {
	items []domain.ICECandidate
}

func (q *IceCandidateQueue) Enqueue(c domain.ICECandidate) {
	q.items = append(q.items, c)
}

func (q *IceCandidateQueue) Len() int {
	return len(q.items)
}

func (q *IceCandidateQueue) Clear() {
	q.items = nil
}

// Drain applies every queued candidate in arrival order and empties the
// queue. A rejected candidate is counted and does not stop the rest.
func (q *IceCandidateQueue) Drain(ctx context.Context, apply CandidateApplier) DrainResult {
	items := q.items
	q.items = nil

	var res DrainResult
	for _, c := range items {
		if err := apply(ctx, c); err != nil {
			res.Rejected++
			continue
		}
		res.Applied++
	}
	return res
}

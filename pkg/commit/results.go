package commit

import (
	"sort"
	"sync"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/status"
)

// Vote is the answer of one controller for one differing row.
type Vote struct {
	Operation engine.Operation
	Key       keyval.Key
	Owner     keyval.Ownership
	Result    engine.ResultCode
	Err       error
}

type voteID struct {
	op    engine.Operation
	key   string
	owner keyval.Ownership
}

// Results collects the votes of one commit episode. It is safe for
// concurrent use.
type Results struct {
	mu    sync.Mutex
	votes map[voteID]Vote
}

// NewResults creates an empty result set.
func NewResults() *Results {
	return &Results{votes: make(map[voteID]Vote)}
}

// Add records a vote, replacing an earlier vote for the same row and controller.
func (r *Results) Add(v Vote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes[voteID{op: v.Operation, key: v.Key.String(), owner: v.Owner}] = v
}

// Get returns the vote of owner for key.
func (r *Results) Get(op engine.Operation, key keyval.Key, owner keyval.Ownership) (Vote, bool) {
	if r == nil {
		return Vote{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.votes[voteID{op: op, key: key.String(), owner: owner}]
	return v, ok
}

// Status returns the config status the vote of owner for key produces. A
// controller that did not vote has not applied the row.
func (r *Results) Status(op engine.Operation, key keyval.Key, owner keyval.Ownership) keyval.ConfigStatus {
	v, ok := r.Get(op, key, owner)
	if !ok {
		return keyval.StatusNotApplied
	}
	return status.FromResult(v.Result)
}

// Len returns the number of votes.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.votes)
}

// Votes returns every vote ordered by operation, key and owner.
func (r *Results) Votes() []Vote {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]Vote, 0, len(r.votes))
	for _, v := range r.votes {
		out = append(out, v)
	}
	r.mu.Unlock()

	rank := make(map[engine.Operation]int, len(engine.CommitOperations))
	for i, op := range engine.CommitOperations {
		rank[op] = i
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Operation != b.Operation {
			return rank[a.Operation] < rank[b.Operation]
		}
		if c := a.Key.Compare(b.Key); c != 0 {
			return c < 0
		}
		return a.Owner.String() < b.Owner.String()
	})
	return out
}

// Failed returns the votes that did not succeed.
func (r *Results) Failed() []Vote {
	var out []Vote
	for _, v := range r.Votes() {
		if !v.Result.IsSuccess() {
			out = append(out, v)
		}
	}
	return out
}

package batch

import (
	"changetrack/internal/change"
)

// BulkKind names a transactional bulk operation.
type BulkKind string

const (
	BulkAcceptAll     BulkKind = "accept_all"
	BulkRejectAll     BulkKind = "reject_all"
	BulkAcceptCluster BulkKind = "accept_cluster"
	BulkRejectCluster BulkKind = "reject_cluster"
	BulkAutoAccept    BulkKind = "auto_accept"
)

// Target returns the status every member moves to.
func (k BulkKind) Target() change.Status {
	switch k {
	case BulkRejectAll, BulkRejectCluster:
		return change.Rejected
	default:
		return change.Accepted
	}
}

// BulkOp is a set of transitions applied all-or-nothing and recorded as a
// single audit entry.
type BulkOp struct {
	ID          string
	Kind        BulkKind
	Actor       string
	ClusterID   string
	Transitions []change.Transition
}

// Plan builds transitions moving every id to the kind's target status.
func Plan(kind BulkKind, ids []change.ID) []change.Transition {
	to := kind.Target()
	out := make([]change.Transition, len(ids))
	for i, id := range ids {
		out[i] = change.Transition{ID: id, To: to}
	}
	return out
}

// Policy decides what happens to a released batch.
type Policy struct {
	AutoAcceptBelow change.Severity
}

// Split partitions the Pending changes of a batch into those the policy
// accepts outright and those left for review. Changes that are not Pending
// (conflicted or already resolved) are skipped.
func (p Policy) Split(b *Batch, lookup func(change.ID) (*change.Change, bool)) (accept, review []change.ID) {
	for _, id := range b.ChangeIDs() {
		c, ok := lookup(id)
		if !ok || c.Status != change.Pending {
			continue
		}
		if p.AutoAcceptBelow != 0 && c.Severity() <= p.AutoAcceptBelow {
			accept = append(accept, id)
		} else {
			review = append(review, id)
		}
	}
	return accept, review
}

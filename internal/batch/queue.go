package batch

import (
	"container/heap"
	"fmt"
	"strings"
	"time"

	"changetrack/internal/change"
)

// Priority orders queued items. Urgent items are never shed.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return Low, nil
	case "normal", "":
		return Normal, nil
	case "high":
		return High, nil
	case "urgent":
		return Urgent, nil
	default:
		return 0, fmt.Errorf("batch: unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Item is one queued unit of review work: a cluster or a loose set of changes.
type Item struct {
	ID         string      `json:"id"`
	ChangeIDs  []change.ID `json:"change_ids"`
	ClusterID  string      `json:"cluster_id,omitempty"`
	Priority   Priority    `json:"priority"`
	Confidence float64     `json:"confidence"`
	Size       int         `json:"size"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	// Auto marks items queued from clustering results rather than by a
	// caller.
	Auto bool `json:"auto,omitempty"`

	seq   uint64
	index int
}

// estimateSize approximates the resident cost of an item.
func estimateSize(it *Item) int {
	n := 96 + len(it.ID) + len(it.ClusterID)
	for _, id := range it.ChangeIDs {
		n += 16 + len(id)
	}
	return n
}

// itemHeap is a max-heap on priority, FIFO within a priority.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*itemHeap)(nil)

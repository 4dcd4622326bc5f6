package scheduler

import (
	"container/heap"
	"sort"

	"github.com/t77yq/qentl-scheduler/internal/model"
)

// CompletionFunc is invoked once when a task reaches a terminal state.
type CompletionFunc func(id model.TaskID, status model.TaskStatus, result []byte)

// taskEntry is the arena record for a task. Queues hold pointers into the
// arena; exactly one queue references an entry at any time.
type taskEntry struct {
	task      model.Task
	seq       uint64
	heapIndex int
	callbacks []CompletionFunc
	// reservedOn is the unit holding this task's demand, 0 when nothing is reserved.
	reservedOn model.UnitID
}

// pendingQueue implements a priority queue for pending tasks. Higher priority
// first, then submission order.
type pendingQueue struct {
	entries []*taskEntry
}

func (q *pendingQueue) Len() int { return len(q.entries) }

// Less compares two tasks by their priority and submission order
func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (q *pendingQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].heapIndex = i
	q.entries[j].heapIndex = j
}

// Push adds a task to the queue
func (q *pendingQueue) Push(x interface{}) {
	entry := x.(*taskEntry)
	entry.heapIndex = len(q.entries)
	q.entries = append(q.entries, entry)
}

// Pop removes and returns the last element
func (q *pendingQueue) Pop() interface{} {
	old := q.entries
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	old[n-1] = nil
	entry.heapIndex = -1
	q.entries = old[:n-1]
	return entry
}

func (q *pendingQueue) add(entry *taskEntry) {
	heap.Push(q, entry)
}

func (q *pendingQueue) remove(entry *taskEntry) bool {
	if entry.heapIndex < 0 || entry.heapIndex >= len(q.entries) || q.entries[entry.heapIndex] != entry {
		return false
	}
	heap.Remove(q, entry.heapIndex)
	return true
}

// ordered returns the pending entries in scheduling order without
// modifying the heap.
func (q *pendingQueue) ordered() []*taskEntry {
	out := make([]*taskEntry, len(q.entries))
	copy(out, q.entries)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		return a.seq < b.seq
	})
	return out
}

// fifoQueue keeps entries in insertion order.
type fifoQueue struct {
	entries []*taskEntry
}

func (q *fifoQueue) Len() int { return len(q.entries) }

func (q *fifoQueue) add(entry *taskEntry) {
	entry.heapIndex = -1
	q.entries = append(q.entries, entry)
}

func (q *fifoQueue) remove(entry *taskEntry) bool {
	for i, e := range q.entries {
		if e == entry {
			copy(q.entries[i:], q.entries[i+1:])
			q.entries[len(q.entries)-1] = nil
			q.entries = q.entries[:len(q.entries)-1]
			return true
		}
	}
	return false
}

// first returns the oldest entry matching the predicate.
func (q *fifoQueue) first(match func(*taskEntry) bool) *taskEntry {
	for _, e := range q.entries {
		if match(e) {
			return e
		}
	}
	return nil
}

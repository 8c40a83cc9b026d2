package store

import (
    "container/heap"
    "time"
)

// scheduledEntry is one id waiting in the scheduled index, ordered by the
// instant it becomes eligible for promotion to Pending.
type scheduledEntry struct {
    id string
    at time.Time
}

// scheduledHeap is a min-heap on `at`, giving promote_due an O(log n)
// pop-while-due loop instead of a linear scan per tick.
type scheduledHeap []*scheduledEntry

func (h scheduledHeap) Len() int            { return len(h) }
func (h scheduledHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h scheduledHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduledHeap) Push(x interface{}) { *h = append(*h, x.(*scheduledEntry)) }
func (h *scheduledHeap) Pop() interface{} {
    old := *h
    n := len(old)
    item := old[n-1]
    old[n-1] = nil
    *h = old[:n-1]
    return item
}

// scheduledIndex wraps the heap with id-based removal support (a job may be
// cancelled or re-scheduled before its time arrives).
type scheduledIndex struct {
    h       scheduledHeap
    byID    map[string]*scheduledEntry
}

func newScheduledIndex() *scheduledIndex {
    return &scheduledIndex{byID: make(map[string]*scheduledEntry)}
}

func (s *scheduledIndex) Add(id string, at time.Time) {
    s.Remove(id)
    e := &scheduledEntry{id: id, at: at}
    s.byID[id] = e
    heap.Push(&s.h, e)
}

func (s *scheduledIndex) Remove(id string) {
    if _, ok := s.byID[id]; !ok {
        return
    }
    for i, e := range s.h {
        if e.id == id {
            heap.Remove(&s.h, i)
            break
        }
    }
    delete(s.byID, id)
}

func (s *scheduledIndex) Len() int {
    return len(s.byID)
}

// PopDue removes and returns every id whose scheduled instant has arrived.
func (s *scheduledIndex) PopDue(now time.Time) []string {
    var due []string
    for s.h.Len() > 0 && !s.h[0].at.After(now) {
        e := heap.Pop(&s.h).(*scheduledEntry)
        delete(s.byID, e.id)
        due = append(due, e.id)
    }
    return due
}

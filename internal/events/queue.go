package events

import (
	"container/list"
	"sync"
)

// Queue buffers recent events per workspace so a reconnecting stream can
// replay what it missed. One workspace's burst never evicts another's.
type Queue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewQueue creates a queue keeping maxSize events per workspace.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{queues: make(map[string]*list.List), maxSize: maxSize}
}

// Enqueue appends ev to the workspace queue.
func (q *Queue) Enqueue(key string, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(ev)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the events of key with an id greater than afterID.
func (q *Queue) After(key string, afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune drops the queue of key.
func (q *Queue) Prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

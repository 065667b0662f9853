package streaming

import (
	"strings"
	"sync"
)

// RetryQueue holds items deferred after an authorization failure until the resource's
// #Retry pipeline runs. A queue lives for one run.
type RetryQueue struct {
	mu    sync.Mutex
	items map[string][]PostItemMessage
}

// NewRetryQueue creates an empty queue
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{items: make(map[string][]PostItemMessage)}
}

// Enqueue defers msg for its resource
func (q *RetryQueue) Enqueue(msg PostItemMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.ToLower(msg.ResourcePath)
	q.items[key] = append(q.items[key], msg)
}

// Drain removes and returns the items deferred for resourcePath
func (q *RetryQueue) Drain(resourcePath string) []PostItemMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.ToLower(resourcePath)
	items := q.items[key]
	delete(q.items, key)
	return items
}

// Len returns the number of deferred items across all resources
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, items := range q.items {
		total += len(items)
	}
	return total
}

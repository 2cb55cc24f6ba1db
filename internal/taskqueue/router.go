package taskqueue

import (
	"sort"
	"sync"
)

// NamedQueue pairs a queue with the name it was registered under.
type NamedQueue struct {
	Name  string
	Queue Queue
}

// Router maps integration keys to queues. Integrations without a dedicated
// queue share the default one.
type Router struct {
	mu     sync.RWMutex
	def    Queue
	routes map[string]Queue
}

// NewRouter returns a Router that sends everything to def until routes are
// added.
func NewRouter(def Queue) *Router {
	return &Router{def: def, routes: make(map[string]Queue)}
}

// Route sends jobs for integrationKey to q.
func (r *Router) Route(integrationKey string, q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[integrationKey] = q
}

// QueueFor returns the queue serving integrationKey.
func (r *Router) QueueFor(integrationKey string) Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.routes[integrationKey]; ok {
		return q
	}
	return r.def
}

// Queues returns every distinct queue, the default first and the rest
// ordered by integration key. A queue routed from several integrations is
// listed once.
func (r *Router) Queues() []NamedQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []NamedQueue{{Name: DefaultQueueName, Queue: r.def}}
	seen := map[Queue]bool{r.def: true}

	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q := r.routes[k]
		if seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, NamedQueue{Name: k, Queue: q})
	}
	return out
}

// Len sums the length of every distinct queue.
func (r *Router) Len() int {
	n := 0
	for _, nq := range r.Queues() {
		n += nq.Queue.Len()
	}
	return n
}

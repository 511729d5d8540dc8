// Package worker serializes engine turns per conversation. The phase store
// is last-write-wins, so two in-flight turns for the same conversation could
// clobber each other's context; funnelling them through one lane per
// conversation removes that interleaving.
package worker

import "sync"

const laneQueueLen = 16

type lane struct {
	tasks   chan func()
	pending int
}

// Manager owns one goroutine per active conversation. Lanes are created on
// demand and retired as soon as their last queued turn finishes.
type Manager struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func NewManager() *Manager {
	return &Manager{lanes: make(map[string]*lane)}
}

// Do runs fn on the conversation's lane and waits for it to finish. Calls
// with the same key execute in arrival order, one at a time.
func (m *Manager) Do(key string, fn func()) {
	l := m.acquire(key)
	done := make(chan struct{})
	l.tasks <- func() {
		defer close(done)
		fn()
	}
	<-done
	m.release(key, l)
}

func (m *Manager) acquire(key string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{tasks: make(chan func(), laneQueueLen)}
		m.lanes[key] = l
		go func() {
			for task := range l.tasks {
				task()
			}
		}()
	}
	l.pending++
	return l
}

func (m *Manager) release(key string, l *lane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.pending--
	if l.pending == 0 {
		close(l.tasks)
		delete(m.lanes, key)
	}
}

package registry

import (
	"sort"
	"sync"
	"time"

	"taskpilot/internal/domain/task"
)

// Change describes a published mutation. Task is nil after a Reset.
type Change struct {
	TaskID string
	Task   *task.Task
	Reset  bool
}

// Store serialises reducer application and publishes immutable snapshots.
type Store struct {
	mu       sync.RWMutex
	tasks    Tasks
	now      func() time.Time
	watchers map[int]chan Change
	nextID   int
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty Store instance.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		tasks:    Tasks{},
		now:      time.Now,
		watchers: make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply runs updates in order under the store lock.
func (s *Store) Apply(updates ...Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(updates)
}

// ApplyIfActive applies updates only while taskID exists and is not in a
// terminal state. The check and the updates are atomic with respect to other
// writers. It reports whether the updates were applied.
func (s *Store) ApplyIfActive(taskID string, updates ...Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[taskID]
	if !ok || current.Status.IsTerminal() {
		return false
	}
	s.applyLocked(updates)
	return true
}

func (s *Store) applyLocked(updates []Update) {
	now := s.now()
	for _, u := range updates {
		if u == nil {
			continue
		}
		before := s.tasks
		s.tasks = Reduce(s.tasks, now, u)
		if _, reset := u.(Reset); reset {
			s.notifyLocked(Change{Reset: true})
			continue
		}
		id := u.TaskID()
		if after, ok := s.tasks[id]; ok && before[id] != after {
			s.notifyLocked(Change{TaskID: id, Task: after})
		}
	}
}

// Snapshot returns the current task map. The map and its entries are shared
// and must be treated as read-only.
func (s *Store) Snapshot() Tasks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks
}

// Get returns a copy of one task.
func (s *Store) Get(taskID string) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks ordered by creation time.
func (s *Store) List() []*task.Task {
	s.mu.RLock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Children returns the ids of tasks spawned by parentID.
func (s *Store) Children(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, t := range s.tasks {
		if t.ParentTaskID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reset removes every task.
func (s *Store) Reset() {
	s.Apply(Reset{})
}

// Watch registers for change notifications. Delivery never blocks writers:
// when the buffer is full the change is dropped and the watcher should fall
// back to Snapshot. The returned func unregisters and closes the channel.
func (s *Store) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notifyLocked(change Change) {
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

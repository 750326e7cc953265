// memory - хранилище сессии в памяти процесса. Для тестов и локальной разработки.
// Несколько потребителей поверх одного Store видят изменения друг друга через Watch.
package memory

import (
	"context"
	"sync"

	"github.com/pribylovaa/authsession/internal/storage"
)

const watchBuffer = 16

type Store struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[int]chan storage.Change
	nextID   int
	closed   bool
}

func New() *Store {
	return &Store{
		data:     make(map[string]string),
		watchers: make(map[int]chan storage.Change),
	}
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, storage.ErrClosed
	}

	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Store) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}

	return out, nil
}

func (s *Store) SetMany(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	s.setLocked(kv)

	return nil
}

func (s *Store) CompareAndSetMany(_ context.Context, key, expected string, kv map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}

	if s.data[key] != expected {
		return false, nil
	}
	s.setLocked(kv)

	return true, nil
}

func (s *Store) setLocked(kv map[string]string) {
	changes := make([]storage.Change, 0, len(kv))
	for k, v := range kv {
		s.data[k] = v
		changes = append(changes, storage.Change{Key: k, Value: v})
	}
	s.notifyLocked(changes)
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	changes := make([]storage.Change, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.data[k]; !ok {
			continue
		}
		delete(s.data, k)
		changes = append(changes, storage.Change{Key: k, Deleted: true})
	}
	s.notifyLocked(changes)

	return nil
}

// Watch подписывает на все последующие изменения.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	id := s.nextID
	s.nextID++
	ch := make(chan storage.Change, watchBuffer)
	s.watchers[id] = ch

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}()

	return ch, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}

	return nil
}

// notifyLocked не блокируется: медленный подписчик теряет события.
func (s *Store) notifyLocked(changes []storage.Change) {
	for _, ch := range s.watchers {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// file - хранилище сессии в JSON-файле на диске.
//
// Запись атомарна: новый документ пишется во временный файл в той же
// директории и переименовывается поверх старого (права 0600).
// Read-modify-write выполняется под flock на <path>.lock, поэтому записи
// нескольких процессов не теряют друг друга.
// Watch следит за директорией через fsnotify и превращает любые изменения
// файла (в том числе сделанные другими процессами) в поток storage.Change.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/pribylovaa/authsession/internal/storage"
)

type Store struct {
	path string
	dir  string
	log  *slog.Logger

	// lock сериализует read-modify-write между процессами.
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// New создаёт хранилище по пути path; директория создаётся с правами 0700.
func New(path string, log *slog.Logger) (*Store, error) {
	const op = "storage.file.New"

	if path == "" {
		return nil, fmt.Errorf("%s: empty path", op)
	}
	if log == nil {
		log = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%s: failed to create directory: %w", op, err)
	}

	return &Store{
		path: abs,
		dir:  dir,
		log:  log,
		lock: flock.New(abs + ".lock"),
	}, nil
}

// Path возвращает абсолютный путь файла сессии.
func (s *Store) Path() string { return s.path }

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, storage.ErrClosed
	}

	m, err := s.load()
	if err != nil {
		return "", false, err
	}

	v, ok := m[key]
	return v, ok, nil
}

func (s *Store) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	// Документ заменяется через rename, поэтому один load - один согласованный снимок.
	m, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}

	return out, nil
}

func (s *Store) SetMany(_ context.Context, kv map[string]string) error {
	const op = "storage.file.SetMany"

	err := s.update(func(m map[string]string) (bool, error) {
		for k, v := range kv {
			m[k] = v
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) CompareAndSetMany(_ context.Context, key, expected string, kv map[string]string) (bool, error) {
	const op = "storage.file.CompareAndSetMany"

	swapped := false
	err := s.update(func(m map[string]string) (bool, error) {
		if m[key] != expected {
			return false, nil
		}
		for k, v := range kv {
			m[k] = v
		}
		swapped = true
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return swapped, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	const op = "storage.file.Delete"

	err := s.update(func(m map[string]string) (bool, error) {
		changed := false
		for _, k := range keys {
			if _, ok := m[k]; ok {
				delete(m, k)
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// update выполняет read-modify-write под межпроцессной блокировкой файла.
// Битый документ заменяется пустым: его содержимое уже потеряно.
func (s *Store) update(fn func(m map[string]string) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock session file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warn("session_file_unlock_failed", slog.String("err", err.Error()))
		}
	}()

	corrupted := false
	m, err := s.load()
	if err != nil {
		if !errors.Is(err, storage.ErrCorrupted) {
			return err
		}
		s.log.Warn("session_file_corrupted_overwrite", slog.String("path", s.path))
		m = map[string]string{}
		corrupted = true
	}

	changed, err := fn(m)
	if err != nil {
		return err
	}
	if !changed && !corrupted {
		return nil
	}

	return s.write(m)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.lock.Close()
}

// Watch сообщает об изменениях ключей файла, сравнивая снимки до и после события.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Change, error) {
	const op = "storage.file.Watch"

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	prev := s.snapshot()
	out := make(chan storage.Change, 16)

	go func() {
		defer close(out)
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}

				cur := s.snapshot()
				for _, c := range diff(prev, cur) {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
				prev = cur

			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("session_file_watch_error",
					slog.String("op", op),
					slog.String("err", werr.Error()),
				)
			}
		}
	}()

	return out, nil
}

// snapshot - текущее содержимое; битый или отсутствующий файл даёт пустой снимок.
func (s *Store) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return map[string]string{}
	}

	return m
}

// load читает документ. Вызывается под s.mu.
func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}

	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupted, err)
	}

	return m, nil
}

// write атомарно заменяет документ. Вызывается под s.mu.
func (s *Store) write(m map[string]string) error {
	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := json.NewEncoder(tmp).Encode(m); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	return nil
}

func diff(prev, cur map[string]string) []storage.Change {
	var out []storage.Change

	for k, v := range cur {
		if old, ok := prev[k]; !ok || old != v {
			out = append(out, storage.Change{Key: k, Value: v})
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			out = append(out, storage.Change{Key: k, Deleted: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

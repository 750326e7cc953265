// events - явная подписка на внутрипроцессные сигналы между компонентами
// (обновление токенов, принудительное завершение сессии) вместо глобальной шины.
package events

import (
	"sync"

	"github.com/pribylovaa/authsession/internal/models"
)

// Renewed - токены успешно обновлены.
type Renewed struct {
	Pair models.TokenPair
}

// Invalidated - сессия очищена, требуется повторная аутентификация.
type Invalidated struct {
	Reason error
}

// Bus раздаёт значения всем текущим подписчикам.
// Publish не блокируется: если буфер подписчика полон, значение для него теряется.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe возвращает канал событий и функцию отписки.
// После отписки (или Close) канал закрывается.
func (b *Bus[T]) Subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}

	ch := make(chan T, buf)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish рассылает v и возвращает число подписчиков, которым значение доставлено.
func (b *Bus[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}

	return delivered
}

// Close закрывает все подписки; последующие Publish ничего не делают.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package session

import (
	"context"
	"sync"

	"github.com/annel0/mmo-spawn/internal/transport"
)

// Command работа, выполняемая в потоке тика
type Command func(ctx context.Context, s *Session)

// Item элемент очереди: событие или команда
type Item struct {
	Event   *transport.Event
	Command Command
}

// Inbox очередь входящих событий и команд между горутинами транспорта/HTTP
// и тиком сессии. Порядок поступления сохраняется.
type Inbox struct {
	mu    sync.Mutex
	items []Item
}

// NewInbox создаёт пустую очередь
func NewInbox() *Inbox {
	return &Inbox{items: make([]Item, 0, 64)}
}

// Push ставит событие транспорта в очередь
func (q *Inbox) Push(ev transport.Event) {
	q.mu.Lock()
	q.items = append(q.items, Item{Event: &ev})
	q.mu.Unlock()
}

// PushCommand ставит команду в очередь
func (q *Inbox) PushCommand(cmd Command) {
	if cmd == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, Item{Command: cmd})
	q.mu.Unlock()
}

// Drain забирает всё накопленное
func (q *Inbox) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]Item, 0, cap(out))
	return out
}

// Len количество ожидающих элементов
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

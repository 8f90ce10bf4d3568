package server

import (
	"container/list"

	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	maxPendingNotifications = 50
	maxPendingUsers         = 10000
)

// pendingQueue holds the notifications of offline users until their next
// connection. It keeps at most maxPerUser entries per recipient and at most
// maxUsers recipients; the recipient pushed to least recently is evicted
// first. It is owned by the Run loop.
type pendingQueue struct {
	maxPerUser int
	maxUsers   int
	items      map[types.UserId]*list.Element
	order      *list.List
}

type pendingEntry struct {
	user  types.UserId
	items []types.MessageNotification
}

func newPendingQueue(maxPerUser, maxUsers int) *pendingQueue {
	return &pendingQueue{
		maxPerUser: maxPerUser,
		maxUsers:   maxUsers,
		items:      make(map[types.UserId]*list.Element),
		order:      list.New(),
	}
}

// push appends n to the recipient's queue, dropping the oldest entry once the
// queue is full. It reports the recipient evicted to make room, if any.
func (q *pendingQueue) push(n types.MessageNotification) (evicted types.UserId, ok bool) {
	el, found := q.items[n.To]
	if !found {
		if q.order.Len() >= q.maxUsers {
			oldest := q.order.Back()
			entry := q.order.Remove(oldest).(*pendingEntry)
			delete(q.items, entry.user)
			evicted, ok = entry.user, true
		}
		el = q.order.PushFront(&pendingEntry{user: n.To})
		q.items[n.To] = el
	} else {
		q.order.MoveToFront(el)
	}

	entry := el.Value.(*pendingEntry)
	entry.items = append(entry.items, n)
	if len(entry.items) > q.maxPerUser {
		entry.items = entry.items[len(entry.items)-q.maxPerUser:]
	}
	return evicted, ok
}

func (q *pendingQueue) flush(user types.UserId) []types.MessageNotification {
	el, ok := q.items[user]
	if !ok {
		return nil
	}
	q.order.Remove(el)
	delete(q.items, user)
	return el.Value.(*pendingEntry).items
}

func (q *pendingQueue) size(user types.UserId) int {
	el, ok := q.items[user]
	if !ok {
		return 0
	}
	return len(el.Value.(*pendingEntry).items)
}

func (q *pendingQueue) users() int {
	return q.order.Len()
}

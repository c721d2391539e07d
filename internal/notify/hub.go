package notify

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	queuePerConn = 64
)

// Hub pushes reminders to connected websocket clients. A client subscribes
// to one user's reminders; an empty user id subscribes to all of them.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	userID string
	queue  chan Reminder
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Notify queues the reminder for every matching subscriber. A subscriber
// whose queue is full misses this reminder rather than blocking the sweep.
func (h *Hub) Notify(rem Reminder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != "" && sub.userID != rem.UserID {
			continue
		}
		select {
		case sub.queue <- rem:
		default:
			log.Printf("[notify] dropping reminder for saturated subscriber (user=%s)", rem.UserID)
		}
	}
}

// Subscribers reports how many clients are connected.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Serve pumps reminders to one websocket connection until it closes. The
// caller owns the upgrade; Serve owns the connection from then on.
func (h *Hub) Serve(conn *websocket.Conn, userID string) {
	defer conn.Close()

	sub := &subscriber{userID: userID, queue: make(chan Reminder, queuePerConn)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})
		for {
			// Clients only listen; reads exist to notice the close frame.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case rem := <-sub.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(rem); err != nil {
				return
			}
		}
	}
}

package store

import "sync"

// mailbox hands payloads to a handler from one goroutine in arrival order.
// push never blocks, so a slow handler cannot stall the publisher or the
// other channels sharing a connection.
type mailbox struct {
	handler Handler

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newMailbox(handler Handler) *mailbox {
	m := &mailbox{
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(payload []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, payload)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			payload := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()

			select {
			case <-m.stop:
				return
			default:
			}
			m.handler(payload)
		}
	}
}

// close stops delivery. Queued payloads are dropped.
func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.stop)
	})
}

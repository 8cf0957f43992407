package popup

import (
	"sync"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
)

// view renders log entries into one port strictly by Seq.
//
// Entries may arrive out of order: a replay snapshot and the log subscriber
// race, and a port may trigger an append while rendering. Whoever finds the
// view idle drains it, later arrivals only queue.
type view struct {
	port Port

	mu       sync.Mutex
	rendered int
	pending  map[int]chat.Message
	draining bool
}

func newView(p Port) *view {
	return &view{port: p, pending: make(map[int]chat.Message)}
}

func (v *view) deliver(msg chat.Message) {
	if _, detached := v.port.(NopPort); detached {
		return
	}
	v.mu.Lock()
	if msg.Seq <= v.rendered {
		v.mu.Unlock()
		return
	}
	if _, queued := v.pending[msg.Seq]; !queued {
		v.pending[msg.Seq] = msg
	}
	if v.draining {
		v.mu.Unlock()
		return
	}
	v.draining = true

	for {
		next, ok := v.pending[v.rendered+1]
		if !ok {
			v.draining = false
			v.mu.Unlock()
			return
		}
		delete(v.pending, next.Seq)
		v.rendered = next.Seq
		v.mu.Unlock()

		v.port.Render(next)
		v.port.ScrollToBottom()

		v.mu.Lock()
	}
}

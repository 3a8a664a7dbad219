package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/bbureau12/echonet/internal/statemgr"
)

// changeBroker fans a single statemgr.Change source out to any number of
// connected /state/ws clients (spec.md §4.I's supplemented WebSocket
// endpoint). Grounded on the teacher's use of github.com/coder/websocket for
// full-duplex streaming, repurposed here for a read-only broadcast.
type changeBroker struct {
	mu   sync.Mutex
	subs map[chan statemgr.Change]struct{}
}

func newChangeBroker() *changeBroker {
	return &changeBroker{subs: make(map[chan statemgr.Change]struct{})}
}

// pump reads from src (the statemgr subscription channel) and rebroadcasts
// every Change to all currently connected clients until src is closed.
func (b *changeBroker) pump(src <-chan statemgr.Change) {
	for c := range src {
		b.mu.Lock()
		for ch := range b.subs {
			select {
			case ch <- c:
			default:
			}
		}
		b.mu.Unlock()
	}
}

func (b *changeBroker) subscribe() chan statemgr.Change {
	ch := make(chan statemgr.Change, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *changeBroker) unsubscribe(ch chan statemgr.Change) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// serve upgrades r to a WebSocket connection and streams Change events as
// JSON text frames until the client disconnects or the connection errors.
func (b *changeBroker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context done")
			return
		case c := <-ch:
			body, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
				return
			}
		}
	}
}

package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// EventsResponse is a page of committed events. Next is the cursor for
// the following page.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   int64          `json:"next"`
}

// emitterQuery parses the optional ?emitter= parameter.
func emitterQuery(r *http.Request) (*types.Address, error) {
	raw := r.URL.Query().Get("emitter")
	if raw == "" {
		return nil, nil
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return nil, badRequest("invalid emitter %q", raw)
	}
	return &addr, nil
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.EventFilter{Name: q.Get("name"), Limit: defaultEventLimit}

	var err error
	if f.Emitter, err = emitterQuery(r); err != nil {
		fail(w, r, err)
		return
	}
	if raw := q.Get("after"); raw != "" {
		if f.AfterSeq, err = strconv.ParseInt(raw, 10, 64); err != nil || f.AfterSeq < 0 {
			fail(w, r, badRequest("invalid after %q", raw))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(w, r, badRequest("invalid limit %q", raw))
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		f.Limit = n
	}

	evs, err := a.node.Ledger().Events(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := EventsResponse{Events: evs, Next: f.AfterSeq}
	if resp.Events == nil {
		resp.Events = []events.Event{}
	}
	if len(evs) > 0 {
		resp.Next = evs[len(evs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamEvents upgrades to a websocket and pushes every committed event
// matching ?name= (comma separated prefixes) and ?emitter=.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	emitter, err := emitterQuery(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var filters []string
	if raw := r.URL.Query().Get("name"); raw != "" {
		filters = strings.Split(raw, ",")
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var sub *events.Subscriber
	if emitter != nil {
		sub = a.notifier.SubscribeEmitter(*emitter, filters...)
	} else {
		sub = a.notifier.Subscribe(filters...)
	}
	defer a.notifier.Unsubscribe(sub.ID)

	// The reader only exists to observe pongs and the close frame.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				a.logger.Debug("event stream write failed", "subscriber", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/signedevent"
)

// subscription is one REQ's filter set. A single stored event that
// matches more than one filter in the same subscription is still sent
// only once, since delivery tests the filter set as a whole with
// MatchesAny, spec.md §4.6.
type subscription struct {
	filters []*eventstore.Filter
}

// connection is one WebSocket client's state: its subscription table and
// a bounded outbound queue, mirroring teacher peer.go's outgoinMsg /
// outgoingQueueLen backpressure discipline. On overflow the connection
// is closed rather than made to silently drop frames.
type connection struct {
	server *Server
	ws     *websocket.Conn

	send chan []byte

	mu   sync.Mutex
	subs map[string]*subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		server: s,
		ws:     ws,
		send:   make(chan []byte, s.config.SendBufferSize),
		subs:   make(map[string]*subscription),
		closed: make(chan struct{}),
	}
}

// run drives the connection until it closes, spec.md §4.6's state
// machine: connected -> streaming-history -> streaming-live, with
// CLOSE/disconnect reachable from any state.
func (c *connection) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	c.close()
	<-writerDone
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueue attempts a non-blocking send. On overflow the connection is
// closed rather than left open with the frame dropped. Before closing,
// a "slow consumer" NOTICE is offered to the queue with a non-blocking
// send; it is dropped when the queue is still full, and the writer stops
// as soon as the connection closes, so the client usually does not
// receive that NOTICE.
func (c *connection) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.server.metrics.slowConsumer()
		notice, _ := marshalNotice("slow consumer")
		select {
		case c.send <- notice:
		default:
		}
		c.close()
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()

		c.mu.Lock()
		remaining := len(c.subs)
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()
		for i := 0; i < remaining; i++ {
			c.server.metrics.subscriptionClosed()
		}
	})
}

func (c *connection) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		notice, _ := marshalNotice("malformed frame")
		c.enqueue(notice)
		return
	}

	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		notice, _ := marshalNotice("malformed frame type")
		c.enqueue(notice)
		return
	}

	switch kind {
	case "REQ":
		c.handleREQ(frame)
	case "CLOSE":
		c.handleCLOSE(frame)
	case "EVENT":
		c.handleEVENT(frame)
	default:
		notice, _ := marshalNotice("unknown frame type: " + kind)
		c.enqueue(notice)
	}
}

func (c *connection) handleREQ(frame []json.RawMessage) {
	if len(frame) < 2 {
		notice, _ := marshalNotice("REQ missing subId")
		c.enqueue(notice)
		return
	}

	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		notice, _ := marshalNotice("REQ subId must be a string")
		c.enqueue(notice)
		return
	}

	if len(frame)-2 > c.server.config.MaxFilters {
		notice, _ := marshalNotice("too many filters")
		c.enqueue(notice)
		return
	}

	filters := make([]*eventstore.Filter, 0, len(frame)-2)
	for _, raw := range frame[2:] {
		var f eventstore.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			notice, _ := marshalNotice("malformed filter")
			c.enqueue(notice)
			return
		}
		filters = append(filters, &f)
	}

	// Duplicate REQ on the same subId is an implicit CLOSE + new REQ:
	// the subscription count only grows if subID is genuinely new.
	c.mu.Lock()
	_, replaced := c.subs[subID]
	c.subs[subID] = &subscription{filters: filters}
	c.mu.Unlock()
	if !replaced {
		c.server.metrics.subscriptionOpened()
	}

	matches, err := c.server.store.Query(filters)
	if err != nil {
		notice, _ := marshalNotice("query failed")
		c.enqueue(notice)
		return
	}

	for _, se := range matches {
		frame, err := marshalEventFrame(subID, &se.SignedEvent)
		if err != nil {
			continue
		}
		c.enqueue(frame)
	}

	eose, _ := marshalEOSE(subID)
	c.enqueue(eose)
}

func (c *connection) handleCLOSE(frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}

	c.mu.Lock()
	_, existed := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if existed {
		c.server.metrics.subscriptionClosed()
	}
}

// handleEVENT rejects client-submitted publishes: spec.md §4.6 says the
// relay "may reject and require BLS path instead", and this
// implementation always does, since admission (pricing, verification,
// persistence) is BLS's sole responsibility (spec.md §9's unidirectional
// ownership resolution).
func (c *connection) handleEVENT(frame []json.RawMessage) {
	var eventID string
	if len(frame) >= 2 {
		var e signedevent.SignedEvent
		if err := json.Unmarshal(frame[1], &e); err == nil {
			eventID = e.ID
		}
	}
	ok, _ := marshalOK(eventID, false, "direct publish not supported: submit via a paid packet")
	c.enqueue(ok)
}

// deliverIfMatching sends e to c on every subscription whose filters
// match, but at most once even if multiple filters in the same
// subscription match, spec.md §4.6.
func (c *connection) deliverIfMatching(e *signedevent.SignedEvent) {
	c.mu.Lock()
	type hit struct {
		subID string
	}
	var hits []hit
	for subID, sub := range c.subs {
		if eventstore.MatchesAny(sub.filters, e) {
			hits = append(hits, hit{subID: subID})
		}
	}
	c.mu.Unlock()

	for _, h := range hits {
		frame, err := marshalEventFrame(h.subID, e)
		if err != nil {
			continue
		}
		c.enqueue(frame)
	}
}

package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/signedevent"
)

// collectFromRelay dials relayURL and runs a single REQ/EOSE round,
// returning every matching event received before EOSE or window
// elapses, whichever comes first. This is the client side of spec.md
// §4.7's "for each relay URL in the union, subscribe to peer-info
// events" — the server side lives in package relay.
func collectFromRelay(ctx context.Context, relayURL string, filter *eventstore.Filter, window time.Duration) ([]*signedevent.SignedEvent, error) {
	dialCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial relay %s: %w", relayURL, err)
	}
	defer conn.Close()

	subID := "bootstrap-discover"
	if err := conn.WriteJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(window)
	conn.SetReadDeadline(deadline)

	var out []*signedevent.SignedEvent
	for {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if strings.Contains(err.Error(), "timeout") {
				return out, nil
			}
			return out, nil
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var e signedevent.SignedEvent
			if err := json.Unmarshal(frame[2], &e); err != nil {
				continue
			}
			out = append(out, &e)
		case "EOSE":
			return out, nil
		}
	}
}

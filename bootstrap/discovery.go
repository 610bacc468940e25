package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/signedevent"
)

const discoveryPollInterval = 100 * time.Millisecond

// PeerInfoSource is the subset of eventstore.Store the discovery phase
// needs: a query against kind-10032 peer-info events. In production
// this is the node's own relay-backed store (peers announce to it over
// the wire); tests can substitute any implementation.
type PeerInfoSource interface {
	Query(filters []*eventstore.Filter) ([]*eventstore.StoredEvent, error)
}

// discoverPeers implements spec.md §4.7 phase 1: collect DiscoveredPeer
// records for window, or until minPeers distinct pubkeys are seen,
// whichever comes first. ctx cancellation exits early, returning the
// peers collected so far together with ctx.Err(), since "stop()"
// cancellation aborts outstanding subscriptions per spec.md §4.7.
func discoverPeers(ctx context.Context, source PeerInfoSource, window time.Duration, minPeers int) ([]DiscoveredPeer, error) {
	pollTicker := ticker.New(discoveryPollInterval)
	pollTicker.Resume()
	defer pollTicker.Stop()

	return discoverPeersTicked(ctx, source, window, minPeers, clock.NewDefaultClock(), pollTicker)
}

// discoverPeersTicked is discoverPeers with its notion of "now" and its
// poll ticker injected, the same clock/ticker seam the teacher threads
// through its own long-running loops (lnd/clock.Clock, lnd/ticker.Ticker)
// so a test can drive every iteration deterministically with
// ticker.Force instead of racing the real poll interval.
func discoverPeersTicked(ctx context.Context, source PeerInfoSource, window time.Duration, minPeers int, c clock.Clock, tick ticker.Ticker) ([]DiscoveredPeer, error) {
	deadline := c.Now().Add(window)

	filter := &eventstore.Filter{Kinds: []int{signedevent.KindPeerInfo}}

	seen := make(map[string]DiscoveredPeer)

	for {
		events, err := source.Query([]*eventstore.Filter{filter})
		if err == nil {
			for _, se := range events {
				info, err := decodePeerInfo(se)
				if err != nil {
					continue
				}
				if existing, ok := seen[se.Pubkey]; !ok || se.ReceivedAt > existing.DiscoveredAt.Unix() {
					seen[se.Pubkey] = DiscoveredPeer{
						Pubkey:       se.Pubkey,
						PeerInfo:     info,
						DiscoveredAt: time.Unix(se.ReceivedAt, 0),
					}
				}
			}
		}

		if len(seen) >= minPeers && minPeers > 0 {
			break
		}
		if c.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return flattenPeers(seen), ctx.Err()
		case <-tick.Ticks():
		}
	}

	return flattenPeers(seen), nil
}

func flattenPeers(seen map[string]DiscoveredPeer) []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

func decodePeerInfo(se *eventstore.StoredEvent) (PeerInfo, error) {
	var info PeerInfo
	if err := json.Unmarshal([]byte(se.Content), &info); err != nil {
		return PeerInfo{}, err
	}
	return info, nil
}

package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/crosstownnet/crosstown/internal/logging"
)

var log = logging.NewSubsystemLogger("BOOT")

const registryKeyPrefix = "/crosstown/peers/"

// Registry reads the optional decentralized peer registry described in
// spec.md §4.7 phase 1 ("and optionally from a decentralized registry
// read"). It is backed by etcd; any read failure degrades silently to
// an empty result, matching §4.7's fallback to the configured
// KnownPeer[] list alone.
type Registry struct {
	client *clientv3.Client
}

// NewRegistry dials an etcd cluster at the given endpoints. A nil
// Registry (endpoints empty) is valid and ReadKnownPeers on it always
// returns an empty slice without error.
func NewRegistry(endpoints []string, dialTimeout time.Duration) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{client: client}, nil
}

// Close releases the etcd client connection.
func (r *Registry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ReadKnownPeers lists every KnownPeer record under the registry prefix.
// Failures (unreachable cluster, malformed entries) are logged and
// degrade to an empty result rather than propagating, per spec.md §4.7's
// described fallback behavior.
func (r *Registry) ReadKnownPeers(ctx context.Context) []KnownPeer {
	if r == nil || r.client == nil {
		return nil
	}

	resp, err := r.client.Get(ctx, registryKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		log.Warnf("registry read failed, falling back to configured known peers: %v", err)
		return nil
	}

	peers := make([]KnownPeer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p KnownPeer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			log.Warnf("skipping malformed registry entry %s: %v", kv.Key, err)
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

package bootstrap

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistryWithNoEndpointsIsNilAndSafe(t *testing.T) {
	reg, err := NewRegistry(nil, time.Second)
	require.NoError(t, err)
	require.Nil(t, reg)

	require.Nil(t, reg.ReadKnownPeers(context.Background()))
	require.NoError(t, reg.Close())
}

func testEtcdEndpoints(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("CROSSTOWN_TEST_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("CROSSTOWN_TEST_ETCD_ENDPOINTS not set, skipping etcd-backed registry test")
	}
	return strings.Split(raw, ",")
}

func TestRegistryReadKnownPeersEmptyWhenNoEntries(t *testing.T) {
	endpoints := testEtcdEndpoints(t)

	reg, err := NewRegistry(endpoints, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No fixture data has been written under registryKeyPrefix, so this
	// must return an empty slice rather than an error, per §4.7's
	// fallback-to-configured-KnownPeers behavior.
	peers := reg.ReadKnownPeers(ctx)
	require.Empty(t, peers)
}

package bootstrap

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/bls"
	"github.com/crosstownnet/crosstown/connector"
	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/pricing"
	"github.com/crosstownnet/crosstown/relay"
	"github.com/crosstownnet/crosstown/settlement"
	"github.com/crosstownnet/crosstown/signedevent"
)

// node bundles the pieces a cold-started crosstown node owns, wired
// exactly as cmd/crosstownd's node-construction layer wires them: an
// event store feeding a relay server, a BLS handler whose admitted-packet
// hook drives a handshake coordinator, and an embedded connector other
// nodes' handlers are registered into.
type node struct {
	identity    Identity
	store       *eventstore.Store
	relayServer *relay.Server
	httpServer  *httptest.Server
	handler     *bls.Handler
	conn        *connector.EmbeddedAdapter
	coordinator *HandshakeCoordinator
}

func newTestIdentity(t *testing.T, ilpAddress string) Identity {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := &signedevent.SignedEvent{Kind: signedevent.KindNote, Tags: [][]string{}}
	require.NoError(t, signedevent.Sign(e, priv))
	return Identity{PrivateKey: priv, Pubkey: e.Pubkey, ILPAddress: ilpAddress}
}

func handshakePricer() *pricing.Policy {
	return pricing.NewPolicy(nil, pricing.KindRow{Base: 1, PerByte: 1}, nil,
		[]int{signedevent.KindHandshakeRequest, signedevent.KindHandshakeResponse})
}

func newTestNode(t *testing.T, identity Identity, ledger *settlement.Store) *node {
	t.Helper()

	dir := t.TempDir()
	db, err := eventstore.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var relayServer *relay.Server
	store := eventstore.NewStore(db, func(e *signedevent.SignedEvent) {
		relayServer.HandleStoredEvent(e)
	})
	relayServer = relay.NewServer(store, relay.DefaultConfig())
	httpSrv := httptest.NewServer(relayServer)
	t.Cleanup(httpSrv.Close)

	handler := bls.NewHandler(store, handshakePricer(), ledger)
	connAdapter := connector.NewEmbeddedAdapter(identity.ILPAddress, handler, ledger)
	coordinator := NewHandshakeCoordinator(identity, []string{"ethereum"},
		map[string]string{"ethereum": "0x" + identity.ILPAddress},
		map[string]string{"ethereum": "0xtoken"}, nil, connAdapter)
	handler.SetOnAdmitted(coordinator.HandleAdmitted)

	return &node{
		identity:    identity,
		store:       store,
		relayServer: relayServer,
		httpServer:  httpSrv,
		handler:     handler,
		conn:        connAdapter,
		coordinator: coordinator,
	}
}

func (n *node) relayWebsocketURL() string {
	return "ws" + strings.TrimPrefix(n.httpServer.URL, "http")
}

// announceSelf directly inserts n's own kind-10032 peer-info event into its
// own store, modeling a node that has already announced itself by the time
// a cold-started peer discovers it (spec.md §8 scenario 4's "Node G
// pre-started with a relay and a registered kind-10032 peer-info").
func (n *node) announceSelf(t *testing.T) {
	t.Helper()
	content, err := json.Marshal(PeerInfo{
		ILPAddress:          n.identity.ILPAddress,
		SupportedChains:     []string{"ethereum"},
		SettlementAddresses: map[string]string{"ethereum": "0x" + n.identity.ILPAddress},
		PreferredTokens:     map[string]string{"ethereum": "0xtoken"},
	})
	require.NoError(t, err)

	e := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindPeerInfo,
		Tags:      [][]string{{"d", "self"}},
		Content:   string(content),
	}
	require.NoError(t, signedevent.Sign(e, n.identity.PrivateKey))
	_, err = n.store.Put(e)
	require.NoError(t, err)
}

func testSettlementStore(t *testing.T) *settlement.Store {
	t.Helper()
	dsn := os.Getenv("CROSSTOWN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CROSSTOWN_TEST_POSTGRES_DSN not set, skipping settlement-backed bootstrap test")
	}
	store, err := settlement.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// TestBootstrapTwoNodesReachReady drives the genesis/joiner scenario of
// spec.md §8 scenario 4 end to end: node J discovers node G over a real
// relay websocket round trip, hands shakes over the in-process ILP
// transport, opens a channel, and announces itself — leaving both nodes
// ready and G's store holding J's own peer-info event.
func TestBootstrapTwoNodesReachReady(t *testing.T) {
	ledger := testSettlementStore(t)

	gIdentity := newTestIdentity(t, "g.local")
	jIdentity := newTestIdentity(t, "j.local")

	g := newTestNode(t, gIdentity, ledger)
	j := newTestNode(t, jIdentity, ledger)
	g.announceSelf(t)

	// Cross-register each node's handler as the other's in-process ILP
	// delivery destination, since the test runs both nodes in one
	// process with no real BTP transport between them.
	g.conn.RegisterDestination(j.identity.ILPAddress, j.handler)
	j.conn.RegisterDestination(g.identity.ILPAddress, g.handler)

	params := Params{
		Identity:            jIdentity,
		KnownPeers:          []KnownPeer{{Pubkey: gIdentity.Pubkey, RelayURL: g.relayWebsocketURL()}},
		DiscoveryWindow:     500 * time.Millisecond,
		MinPeers:            1,
		HandshakeTimeout:    2 * time.Second,
		ShutdownBudget:      5 * time.Second,
		SupportedChains:     []string{"ethereum"},
		SettlementAddresses: map[string]string{"ethereum": "0xjsettle"},
		PreferredTokens:     map[string]string{"ethereum": "0xjtoken"},
		Deposit:             "100",
		Source:              j.store,
		Conn:                j.conn,
		Pricer:              handshakePricer(),
		Coordinator:         j.coordinator,
	}
	driver := NewDriver(params)

	var events []Event
	done := make(chan struct{})
	go func() {
		for e := range driver.Events() {
			events = append(events, e)
		}
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finalPhase := driver.Run(ctx)
	<-done

	require.Equal(t, PhaseReady, finalPhase)

	var sawTypes []string
	for _, e := range events {
		sawTypes = append(sawTypes, e.Type)
	}
	require.Contains(t, sawTypes, "bootstrap:peer-registered")
	require.Contains(t, sawTypes, "bootstrap:channel-opened")
	require.Contains(t, sawTypes, "bootstrap:announced")

	// G's store should now hold J's own kind-10032 announcement.
	require.Eventually(t, func() bool {
		events, err := g.store.Query([]*eventstore.Filter{{
			Kinds:   []int{signedevent.KindPeerInfo},
			Authors: []string{jIdentity.Pubkey},
		}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestBootstrapFailsWithNoKnownOrDiscoveredPeers(t *testing.T) {
	identity := newTestIdentity(t, "solo.local")
	params := Params{
		Identity:         identity,
		DiscoveryWindow:  50 * time.Millisecond,
		MinPeers:         1,
		HandshakeTimeout: 200 * time.Millisecond,
		ShutdownBudget:   time.Second,
		Source:           nil,
	}
	driver := NewDriver(params)

	go func() {
		for range driver.Events() {
		}
	}()

	phase := driver.Run(context.Background())
	require.Equal(t, PhaseFailed, phase)
}

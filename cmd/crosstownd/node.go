// Package main's node-construction layer wires together every
// subsystem package into one running crosstown node, the way the
// teacher's own newServer (server.go) instantiates and cross-wires its
// subsystems before Start is called.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/crosstownnet/crosstown/bls"
	"github.com/crosstownnet/crosstown/bootstrap"
	"github.com/crosstownnet/crosstown/config"
	"github.com/crosstownnet/crosstown/connector"
	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/internal/logging"
	"github.com/crosstownnet/crosstown/pricing"
	"github.com/crosstownnet/crosstown/relay"
	"github.com/crosstownnet/crosstown/settlement"
	"github.com/crosstownnet/crosstown/signedevent"
)

var log = logging.NewSubsystemLogger("NODE")

const registryDialTimeout = 5 * time.Second

// node owns every long-lived subsystem of a running crosstown instance.
type node struct {
	cfg *config.Config

	db          *eventstore.DB
	store       *eventstore.Store
	relayServer *relay.Server
	blsHandler  *bls.Handler
	blsServer   *bls.Server
	conn        connector.Connector
	adminServer *connector.AdminServer
	registry    *bootstrap.Registry
	coordinator *bootstrap.HandshakeCoordinator
	driver      *bootstrap.Driver
}

// newNode constructs every subsystem from cfg but starts nothing; callers
// invoke (*node).run to start listeners and drive bootstrap.
func newNode(cfg *config.Config) (*node, error) {
	identity, err := loadIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	db, err := eventstore.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	var relayServer *relay.Server
	store := eventstore.NewStore(db, func(e *signedevent.SignedEvent) {
		relayServer.HandleStoredEvent(e)
	})
	relayConfig := relay.Config{
		SendBufferSize: cfg.Limits.SubSendBuffer,
		MaxFilters:     cfg.Limits.MaxFilters,
		MaxConnections: cfg.Limits.MaxConnections,
	}
	relayServer = relay.NewServer(store, relayConfig)

	pricer := buildPricer(cfg)

	var ledger *settlement.Store
	if cfg.Settlement.LedgerDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ledger, err = settlement.Open(ctx, cfg.Settlement.LedgerDSN)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening settlement ledger: %w", err)
		}
	} else {
		log.Warnf("no settlement ledger configured: channel operations will fail")
	}

	handler := bls.NewHandler(store, pricer, ledger)
	blsServer := bls.NewServer(handler)
	blsServer.RegisterCollectors(relayServer.MetricsCollectors()...)

	conn, err := buildConnector(cfg, identity, handler, ledger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("building connector: %w", err)
	}

	coordinator := bootstrap.NewHandshakeCoordinator(identity, cfg.Settlement.SupportedChains,
		cfg.Settlement.SettlementAddresses, cfg.Settlement.Tokens, cfg.Settlement.TokenNetworks, conn)
	handler.SetOnAdmitted(coordinator.HandleAdmitted)

	registry, err := bootstrap.NewRegistry(cfg.Bootstrap.RegistryEndpoints, registryDialTimeout)
	if err != nil {
		log.Warnf("unable to reach peer registry, falling back to configured known peers: %v", err)
		registry = nil
	}

	driver := bootstrap.NewDriver(bootstrap.Params{
		Identity:            identity,
		KnownPeers:          convertKnownPeers(cfg.Bootstrap.KnownPeers),
		Registry:            registry,
		DiscoveryWindow:     time.Duration(cfg.Bootstrap.DiscoveryWindowMs) * time.Millisecond,
		MinPeers:            cfg.Bootstrap.MinPeers,
		HandshakeTimeout:    time.Duration(cfg.Settlement.HandshakeTimeoutMs) * time.Millisecond,
		ShutdownBudget:      time.Duration(cfg.Settlement.ChannelOpenTimeoutMs) * time.Millisecond,
		SupportedChains:     cfg.Settlement.SupportedChains,
		SettlementAddresses: cfg.Settlement.SettlementAddresses,
		PreferredTokens:     cfg.Settlement.Tokens,
		TokenNetworks:       cfg.Settlement.TokenNetworks,
		Deposit:             cfg.Settlement.Deposit,
		Source:              store,
		Conn:                conn,
		Pricer:              pricer,
		Coordinator:         coordinator,
	})
	blsServer.RegisterCollectors(driver.MetricsCollectors()...)

	return &node{
		cfg:         cfg,
		db:          db,
		store:       store,
		relayServer: relayServer,
		blsHandler:  handler,
		blsServer:   blsServer,
		conn:        conn,
		registry:    registry,
		coordinator: coordinator,
		driver:      driver,
	}, nil
}

// run starts the relay and BLS/admin HTTP listeners, drives bootstrap to
// completion, and blocks until ctx is canceled.
func (n *node) run(ctx context.Context) error {
	relaySrv := &http.Server{Addr: n.cfg.ListenAddr, Handler: n.relayServer}
	go func() {
		if err := relaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("relay listener stopped: %v", err)
		}
	}()

	apiMux := http.NewServeMux()
	apiMux.Handle("/", n.blsServer)
	if adapter, ok := n.conn.(*connector.EmbeddedAdapter); ok {
		n.adminServer = connector.NewAdminServer(adapter)
		apiMux.Handle("/admin/", n.adminServer)
	}
	apiSrv := &http.Server{Addr: n.cfg.BLSHTTPAddr, Handler: apiMux}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("bls/admin listener stopped: %v", err)
		}
	}()

	go func() {
		for e := range n.driver.Events() {
			log.Infof("bootstrap event: %s (phase=%s peer=%s)", e.Type, e.Phase, e.PeerID)
		}
	}()

	phase := n.driver.Run(ctx)
	log.Infof("bootstrap finished in phase %s", phase)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relaySrv.Shutdown(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)

	return nil
}

// close releases every resource newNode opened. It is safe to call after
// a failed newNode as long as the returned node is non-nil.
func (n *node) close() {
	if n.registry != nil {
		n.registry.Close()
	}
	n.db.Close()
}

func loadIdentity(cfg *config.Config) (bootstrap.Identity, error) {
	if cfg.PrivateKey == "" {
		return bootstrap.Identity{}, fmt.Errorf("privatekey is required")
	}
	keyBytes, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil || len(keyBytes) != 32 {
		return bootstrap.Identity{}, fmt.Errorf("privatekey must be 32 bytes of hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	pubkey := hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	if cfg.ILPAddress == "" {
		return bootstrap.Identity{}, fmt.Errorf("ilpaddress is required")
	}

	return bootstrap.Identity{
		PrivateKey: priv,
		Pubkey:     pubkey,
		ILPAddress: cfg.ILPAddress,
	}, nil
}

func buildPricer(cfg *config.Config) *pricing.Policy {
	rows := make(map[int]pricing.KindRow, len(cfg.Pricing.KindRows))
	for _, r := range cfg.Pricing.KindRows {
		rows[r.Kind] = pricing.KindRow{Base: r.Base, PerByte: r.PerByte}
	}
	defaultRow := pricing.KindRow{Base: cfg.Pricing.DefaultBase, PerByte: cfg.Pricing.DefaultPer}

	// Handshake kinds are always free regardless of configured pricing
	// rows: bootstrap cannot complete otherwise, spec.md §9 ("Handshake
	// carried on the data plane").
	freeHandshakeKinds := []int{signedevent.KindHandshakeRequest, signedevent.KindHandshakeResponse}

	return pricing.NewPolicy(rows, defaultRow, cfg.Pricing.OwnerBypass, freeHandshakeKinds)
}

func buildConnector(cfg *config.Config, identity bootstrap.Identity, handler *bls.Handler, ledger *settlement.Store) (connector.Connector, error) {
	switch cfg.ConnectorMode {
	case "remote":
		return connector.NewRemoteAdapter(cfg.ConnectorURL), nil
	case "embedded", "":
		return connector.NewEmbeddedAdapter(identity.ILPAddress, handler, ledger), nil
	default:
		return nil, fmt.Errorf("unknown connector mode %q", cfg.ConnectorMode)
	}
}

func convertKnownPeers(cfgPeers []config.KnownPeerConfig) []bootstrap.KnownPeer {
	out := make([]bootstrap.KnownPeer, 0, len(cfgPeers))
	for _, p := range cfgPeers {
		out = append(out, bootstrap.KnownPeer{
			Pubkey:      p.Pubkey,
			RelayURL:    p.RelayURL,
			BTPEndpoint: p.BTPEndpoint,
		})
	}
	return out
}

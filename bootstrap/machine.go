package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosstownnet/crosstown/connector"
	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/pricing"
	"github.com/crosstownnet/crosstown/signedevent"
)

// Identity is the local node's signing identity and advertised address.
type Identity struct {
	PrivateKey *btcec.PrivateKey
	Pubkey     string
	ILPAddress string
}

// Params configures a Driver, spec.md §4.7 / §6.6 bootstrap block.
type Params struct {
	Identity Identity

	KnownPeers        []KnownPeer
	Registry          *Registry
	DiscoveryWindow   time.Duration
	MinPeers          int
	HandshakeTimeout  time.Duration
	ShutdownBudget    time.Duration

	SupportedChains     []string
	SettlementAddresses map[string]string
	PreferredTokens     map[string]string
	TokenNetworks       map[string]string
	Deposit             string

	Source      PeerInfoSource
	Conn        connector.Connector
	Pricer      *pricing.Policy
	Coordinator *HandshakeCoordinator
}

// Driver runs the bootstrap state machine for one node, spec.md §4.7.
type Driver struct {
	params  Params
	events  chan Event
	phase   Phase
	metrics *Metrics
}

// NewDriver constructs a Driver. events has a small buffer; callers that
// care about every advisory event should drain it promptly, but a full
// buffer never blocks the driver — events are dropped rather than
// stalling bootstrap progress (the driver logs a drop when that
// happens).
func NewDriver(params Params) *Driver {
	d := &Driver{
		params:  params,
		events:  make(chan Event, 64),
		phase:   PhaseDiscovering,
		metrics: newMetrics(),
	}
	d.metrics.setPhase(PhaseDiscovering)
	return d
}

// MetricsCollectors exposes d's Prometheus collectors for registration
// by the node's HTTP observability surface (see
// bls.Server.RegisterCollectors).
func (d *Driver) MetricsCollectors() []prometheus.Collector {
	return d.metrics.Collectors()
}

// Events returns the advisory event stream, spec.md §4.7.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// Phase returns the driver's current phase.
func (d *Driver) Phase() Phase {
	return d.phase
}

func (d *Driver) emit(e Event) {
	e.Phase = d.phase
	d.metrics.setPhase(d.phase)
	select {
	case d.events <- e:
	default:
		log.Warnf("bootstrap event channel full, dropping %s", e.Type)
	}
}

// Run drives the node from discovering through ready (or failed),
// respecting ctx cancellation: a canceled ctx aborts outstanding relay
// subscriptions and packet sends and finalizes in a terminal state
// within ShutdownBudget, spec.md §4.7's cancellation contract.
func (d *Driver) Run(ctx context.Context) Phase {
	defer close(d.events)

	shutdownCtx, cancel := context.WithTimeout(ctx, d.params.ShutdownBudget)
	defer cancel()

	peers, ok := d.discover(shutdownCtx)
	if !ok {
		d.fail("no peers discovered and none configured")
		return d.phase
	}

	d.phase = PhaseRegistering
	d.emit(Event{Type: "bootstrap:registering"})
	registered := d.register(peers)
	if len(registered) == 0 {
		d.fail("no peer registered successfully")
		return d.phase
	}

	d.phase = PhaseHandshaking
	d.emit(Event{Type: "bootstrap:handshaking"})
	handshaken := d.handshakeAll(shutdownCtx, registered)
	if len(handshaken) == 0 {
		d.fail("no peer completed handshake")
		return d.phase
	}

	d.phase = PhaseAnnouncing
	d.emit(Event{Type: "bootstrap:announcing"})
	d.announceAll(handshaken)

	d.phase = PhaseReady
	d.emit(Event{Type: "bootstrap:ready"})
	return d.phase
}

func (d *Driver) fail(reason string) {
	d.phase = PhaseFailed
	d.emit(Event{Type: "bootstrap:failed", Message: reason})
}

// discover implements phase 1, spec.md §4.7.
func (d *Driver) discover(ctx context.Context) ([]*peerRecord, bool) {
	registryPeers := d.params.Registry.ReadKnownPeers(ctx)
	allKnown := append(append([]KnownPeer{}, d.params.KnownPeers...), registryPeers...)

	relayURLs := make(map[string]struct{})
	for _, kp := range allKnown {
		if kp.RelayURL != "" {
			relayURLs[kp.RelayURL] = struct{}{}
		}
	}

	filter := &eventstore.Filter{Kinds: []int{signedevent.KindPeerInfo}}
	discoveredByPubkey := make(map[string]DiscoveredPeer)

	for url := range relayURLs {
		events, err := collectFromRelay(ctx, url, filter, d.params.DiscoveryWindow)
		if err != nil {
			log.Warnf("discovery against relay %s failed: %v", url, err)
			continue
		}
		for _, e := range events {
			var info PeerInfo
			if err := json.Unmarshal([]byte(e.Content), &info); err != nil {
				continue
			}
			discoveredByPubkey[e.Pubkey] = DiscoveredPeer{
				Pubkey:       e.Pubkey,
				PeerInfo:     info,
				DiscoveredAt: time.Unix(e.CreatedAt, 0),
			}
		}
	}

	// Also poll the local source in case peer-info has already arrived
	// through our own relay (e.g. a peer announced directly to us).
	if d.params.Source != nil {
		local, _ := discoverPeers(ctx, d.params.Source, d.params.DiscoveryWindow, d.params.MinPeers)
		for _, p := range local {
			if _, ok := discoveredByPubkey[p.Pubkey]; !ok {
				discoveredByPubkey[p.Pubkey] = p
			}
		}
	}

	var records []*peerRecord
	for _, p := range discoveredByPubkey {
		records = append(records, &peerRecord{peer: p})
	}

	if len(records) > 0 {
		return records, true
	}

	if len(allKnown) == 0 {
		return nil, false
	}

	// Window expired with at least one KnownPeer: proceed with
	// known-only stubs. These carry no ILPAddress, so their handshake
	// step cannot send a packet and will be recorded as a failure —
	// that's acceptable as long as at least one OTHER peer (discovered,
	// or another known peer reachable via relay) completes.
	for _, kp := range allKnown {
		records = append(records, &peerRecord{
			peer: DiscoveredPeer{Pubkey: kp.Pubkey, PeerInfo: PeerInfo{BTPEndpoint: kp.BTPEndpoint}},
		})
	}
	return records, true
}

// register implements phase 2, spec.md §4.7.
func (d *Driver) register(peers []*peerRecord) []*peerRecord {
	var ok []*peerRecord
	for _, p := range peers {
		err := d.params.Conn.AddPeer(connector.PeerConfig{
			PeerID:      p.peer.Pubkey,
			BtpEndpoint: p.peer.PeerInfo.BTPEndpoint,
			Routes: []connector.Route{
				{Prefix: p.peer.PeerInfo.ILPAddress, Priority: 0},
			},
			AuthToken: "",
		})
		if err != nil {
			log.Warnf("registering peer %s failed: %v", p.peer.Pubkey, err)
			d.emit(Event{Type: "bootstrap:peer-register-failed", PeerID: p.peer.Pubkey, Message: err.Error()})
			continue
		}
		p.registered = true
		d.emit(Event{Type: "bootstrap:peer-registered", PeerID: p.peer.Pubkey})
		ok = append(ok, p)
	}
	return ok
}

// handshakeAll implements phase 3, spec.md §4.7.
func (d *Driver) handshakeAll(ctx context.Context, peers []*peerRecord) []*peerRecord {
	var ok []*peerRecord
	for _, p := range peers {
		if err := d.handshakeOne(ctx, p); err != nil {
			log.Warnf("handshake with %s failed: %v", p.peer.Pubkey, err)
			d.emit(Event{Type: "bootstrap:handshake-failed", PeerID: p.peer.Pubkey, Message: err.Error()})
			continue
		}
		ok = append(ok, p)
	}
	return ok
}

func (d *Driver) handshakeOne(ctx context.Context, p *peerRecord) error {
	if p.peer.PeerInfo.ILPAddress == "" {
		return fmt.Errorf("no ILP address known for peer")
	}

	reqContent, err := json.Marshal(PeerInfo{
		ILPAddress:          d.params.Identity.ILPAddress,
		SupportedChains:     d.params.SupportedChains,
		SettlementAddresses: d.params.SettlementAddresses,
		PreferredTokens:     d.params.PreferredTokens,
	})
	if err != nil {
		return err
	}

	reqEvent := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeRequest,
		Tags:      [][]string{{"p", p.peer.Pubkey}},
		Content:   string(reqContent),
	}
	if err := signedevent.Sign(reqEvent, d.params.Identity.PrivateKey); err != nil {
		return err
	}

	data, err := encodePacketData(reqEvent)
	if err != nil {
		return err
	}

	// The response wait must be registered before the request is sent:
	// the embedded transport delivers synchronously, so a peer's
	// response can arrive (and be handed to HandleAdmitted) before
	// SendIlpPacket even returns here.
	respCh := d.params.Coordinator.AwaitResponse(reqEvent.ID)
	defer d.params.Coordinator.CancelWait(reqEvent.ID)

	result, err := d.params.Conn.SendIlpPacket(connector.SendPacketRequest{
		Destination: p.peer.PeerInfo.ILPAddress,
		Amount:      0,
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("sending handshake request: %w", err)
	}
	if !result.Accepted {
		return fmt.Errorf("handshake request rejected: %s %s", result.Code, result.Message)
	}

	respEvent, err := d.waitForResponseChannel(ctx, respCh)
	if err != nil {
		return err
	}

	var peerInfo PeerInfo
	if err := json.Unmarshal([]byte(respEvent.Content), &peerInfo); err != nil {
		return fmt.Errorf("malformed handshake response: %w", err)
	}

	chain := firstCommonChain(d.params.SupportedChains, peerInfo.SupportedChains)
	if chain == "" {
		return fmt.Errorf("no common settlement chain with peer")
	}

	peerAddress := peerInfo.SettlementAddresses[chain]
	token := peerInfo.PreferredTokens[chain]

	channelID, err := d.params.Conn.OpenChannel(connector.OpenChannelParams{
		PeerID:      p.peer.Pubkey,
		Chain:       chain,
		Token:       token,
		PeerAddress: peerAddress,
		Deposit:     d.params.Deposit,
	})
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	p.handshaken = true
	p.channelID = channelID
	p.chain = chain
	p.peerAddress = peerAddress
	p.peerTokenAddr = token
	d.emit(Event{Type: "bootstrap:channel-opened", PeerID: p.peer.Pubkey, ChannelID: channelID})
	return nil
}

func (d *Driver) waitForResponseChannel(ctx context.Context, ch <-chan *signedevent.SignedEvent) (*signedevent.SignedEvent, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.params.HandshakeTimeout):
		return nil, fmt.Errorf("timed out waiting for handshake response")
	}
}

// announceAll implements phase 4, spec.md §4.7.
func (d *Driver) announceAll(peers []*peerRecord) {
	for _, p := range peers {
		d.announceOne(p)
	}
}

func (d *Driver) announceOne(p *peerRecord) {
	info := PeerInfo{
		ILPAddress:          d.params.Identity.ILPAddress,
		SupportedChains:     d.params.SupportedChains,
		SettlementAddresses: d.params.SettlementAddresses,
		PreferredTokens:     d.params.PreferredTokens,
		TokenNetworks:       d.params.TokenNetworks,
	}
	content, err := json.Marshal(info)
	if err != nil {
		return
	}

	event := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindPeerInfo,
		Tags:      [][]string{{"d", "self"}},
		Content:   string(content),
	}
	if err := signedevent.Sign(event, d.params.Identity.PrivateKey); err != nil {
		return
	}

	data, err := encodePacketData(event)
	if err != nil {
		return
	}

	price := int64(0)
	if d.params.Pricer != nil {
		if p, err := d.params.Pricer.Price(event); err == nil {
			price = p
		}
	}

	result, err := d.params.Conn.SendIlpPacket(connector.SendPacketRequest{
		Destination: p.peer.PeerInfo.ILPAddress,
		Amount:      price,
		Data:        data,
	})
	if err == nil && !result.Accepted && result.Code == "F06" && result.Required > 0 {
		// Retry once at the peer's quoted price, spec.md §4.7 step 4.
		result, err = d.params.Conn.SendIlpPacket(connector.SendPacketRequest{
			Destination: p.peer.PeerInfo.ILPAddress,
			Amount:      result.Required,
			Data:        data,
		})
		_ = err
	}

	p.announced = true
	d.emit(Event{Type: "bootstrap:announced", PeerID: p.peer.Pubkey})
}

func firstCommonChain(ours, theirs []string) string {
	theirSet := make(map[string]struct{}, len(theirs))
	for _, c := range theirs {
		theirSet[c] = struct{}{}
	}
	for _, c := range ours {
		if _, ok := theirSet[c]; ok {
			return c
		}
	}
	return ""
}

func encodePacketData(e *signedevent.SignedEvent) (string, error) {
	raw, err := signedevent.Encode(e)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

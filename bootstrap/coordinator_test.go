package bootstrap

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/connector"
	"github.com/crosstownnet/crosstown/signedevent"
)

// recordingRuntime captures every packet sent through it, standing in for
// a real connector.Connector so respondToRequest can be exercised without
// any transport.
type recordingRuntime struct {
	sent []connector.SendPacketRequest
}

func (r *recordingRuntime) SendIlpPacket(req connector.SendPacketRequest) (connector.SendPacketResult, error) {
	r.sent = append(r.sent, req)
	return connector.SendPacketResult{Accepted: true}, nil
}

func testIdentity(t *testing.T) Identity {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return Identity{PrivateKey: priv, Pubkey: hexPubkey(priv), ILPAddress: "g.local"}
}

func hexPubkey(priv *btcec.PrivateKey) string {
	e := &signedevent.SignedEvent{Kind: signedevent.KindNote, Tags: [][]string{}}
	_ = signedevent.Sign(e, priv)
	return e.Pubkey
}

func TestCoordinatorRespondsToAddressedRequest(t *testing.T) {
	identity := testIdentity(t)
	runtime := &recordingRuntime{}
	coord := NewHandshakeCoordinator(identity, []string{"ethereum"},
		map[string]string{"ethereum": "0xlocal"}, map[string]string{"ethereum": "0xtoken"},
		nil, runtime)

	requesterPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	content, err := json.Marshal(PeerInfo{ILPAddress: "g.requester"})
	require.NoError(t, err)

	req := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeRequest,
		Tags:      [][]string{{"p", identity.Pubkey}},
		Content:   string(content),
	}
	require.NoError(t, signedevent.Sign(req, requesterPriv))

	coord.HandleAdmitted(req)

	require.Len(t, runtime.sent, 1)
	require.Equal(t, "g.requester", runtime.sent[0].Destination)
	require.Equal(t, int64(0), runtime.sent[0].Amount)
}

func TestCoordinatorIgnoresRequestNotAddressedToUs(t *testing.T) {
	identity := testIdentity(t)
	runtime := &recordingRuntime{}
	coord := NewHandshakeCoordinator(identity, nil, nil, nil, nil, runtime)

	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	req := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeRequest,
		Tags:      [][]string{{"p", "someone-else"}},
		Content:   "{}",
	}
	require.NoError(t, signedevent.Sign(req, otherPriv))

	coord.HandleAdmitted(req)
	require.Empty(t, runtime.sent)
}

func TestCoordinatorDeliversResponseToWaiter(t *testing.T) {
	identity := testIdentity(t)
	coord := NewHandshakeCoordinator(identity, nil, nil, nil, nil, &recordingRuntime{})

	requestID := "deadbeef"
	ch := coord.AwaitResponse(requestID)
	defer coord.CancelWait(requestID)

	responderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	resp := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeResponse,
		Tags:      [][]string{{"e", requestID}},
		Content:   "{}",
	}
	require.NoError(t, signedevent.Sign(resp, responderPriv))

	coord.HandleAdmitted(resp)

	select {
	case got := <-ch:
		require.Equal(t, resp.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("response was not delivered")
	}
}

func TestCoordinatorDropsResponseWithNoWaiter(t *testing.T) {
	identity := testIdentity(t)
	coord := NewHandshakeCoordinator(identity, nil, nil, nil, nil, &recordingRuntime{})

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	resp := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeResponse,
		Tags:      [][]string{{"e", "no-such-request"}},
		Content:   "{}",
	}
	require.NoError(t, signedevent.Sign(resp, priv))

	require.NotPanics(t, func() { coord.HandleAdmitted(resp) })
}

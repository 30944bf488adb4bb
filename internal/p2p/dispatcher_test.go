package p2p

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
)

// newTestServer wires a Dispatcher to an httptest server that upgrades every
// request to a websocket and hands it to Accept, mirroring how the
// embedding binary's HTTP listener would.
func newTestServer(t *testing.T, d *Dispatcher) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.Upgrader().Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		if err := d.Accept(conn); err != nil {
			t.Logf("handshake rejected: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcher(t *testing.T) (*Dispatcher, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return New(core.Address(kp.Address()), kp, nil), kp
}

func TestDialPerformsSignedHandshakeAndRegistersPeer(t *testing.T) {
	server, _ := newDispatcher(t)
	srv := newTestServer(t, server)

	client, _ := newDispatcher(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerAddr, err := client.Dial(ctx, wsURL)
	require.NoError(t, err)
	require.Equal(t, core.Address(server.selfAddr), peerAddr)

	require.Eventually(t, func() bool {
		return server.PeerCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, client.PeerCount())
}

func TestDialRejectsWrongMajorVersion(t *testing.T) {
	server, _ := newDispatcher(t)
	srv := newTestServer(t, server)

	client, _ := newDispatcher(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := client.dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	body := AddressBody{Address: client.selfAddr, Timestamp: client.now()}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	sig, err := crypto.Sign(raw, client.selfKey)
	require.NoError(t, err)

	env := Envelope{Type: TypeAddressRequest, DataProtoVer: "2.0.0", Timestamp: client.now()}
	data := AddressData{Body: body, Signature: sig}
	raw, err = json.Marshal(data)
	require.NoError(t, err)
	env.Data = raw
	require.NoError(t, conn.WriteJSON(env))

	// The server should close the connection rather than respond, since the
	// handshake request carries an incompatible major version.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Envelope
	err = conn.ReadJSON(&resp)
	require.Error(t, err)
	_ = websocket.IsUnexpectedCloseError(err)
}

package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/account-login/nukleus-tls/counters"
	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/slot"
	"github.com/account-login/nukleus-tls/tlsengine"
)

func finishedPair(t *testing.T) (client, server *tlsengine.Engine) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pair.example"},
		DNSNames:     []string{"pair.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}
	roots := x509.NewCertPool()
	roots.AddCert(leaf)

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: roots, ServerName: "pair.example"}

	server = tlsengine.New(tlsengine.RoleServer, cfg)
	client = tlsengine.New(tlsengine.RoleClient, cfg)

	ct, ok := client.DelegatedTask()
	require.True(t, ok)
	go ct.Run()
	st, ok := server.DelegatedTask()
	require.True(t, ok)
	go st.Run()

	for i := 0; i < 100; i++ {
		cr, _ := client.Wrap(nil)
		if len(cr.Output) > 0 {
			server.Unwrap(cr.Output)
		}
		sr, _ := server.Wrap(nil)
		if len(sr.Output) > 0 {
			client.Unwrap(sr.Output)
		}
		if client.Status() == tlsengine.Finished && server.Status() == tlsengine.Finished {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, tlsengine.Finished, server.Status())
	require.NoError(t, server.Err())
	return client, server
}

func TestReplyConnectionEncryptsAndAppliesPaddingFormula(t *testing.T) {
	client, server := finishedPair(t)
	defer client.CloseInbound()
	defer server.CloseInbound()

	applicationReplyThrottle, throttleFrames := recordingSink()
	networkReply, replyFrames := recordingSink()

	binding := &Binding{
		TLS: server, NetworkReply: networkReply, RouteID: 9,
		NetworkReplyBudget: 16 * 1024, NetworkReplyPadding: MaxHeaderSize,
	}

	rc := &ReplyConnection{
		state:                    replyBeforeBegin,
		routeID:                  9,
		streamID:                 0x8000000000000001,
		applicationReplyThrottle: applicationReplyThrottle,
		networkReply:             binding.NetworkReply,
		binding:                  binding,
		pool:                     slot.NewFixedPool("application.reply", 2, 16*1024, nil),
		counters:                 counters.NewAtomicCounters(),
	}

	require.NoError(t, rc.Handle(frame.Begin{RouteID: 9, StreamID: rc.streamID}))

	w := throttleFrames()[0].(frame.Window)
	require.EqualValues(t, MaxHeaderSize*2, w.Padding, "applicationReplyPadding must be networkReplyPadding + MaxHeaderSize")

	payload := []byte("response body")
	require.NoError(t, rc.Handle(frame.Data{RouteID: 9, StreamID: rc.streamID, Payload: payload}))

	var ciphertext []byte
	for _, f := range replyFrames() {
		if d, ok := f.(frame.Data); ok {
			ciphertext = append(ciphertext, d.Payload...)
		}
	}
	require.NotEmpty(t, ciphertext)

	var got []byte
	for i := 0; i < 50 && len(got) < len(payload); i++ {
		ur, _ := client.Unwrap(ciphertext)
		got = append(got, ur.Output...)
		ciphertext = nil
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, payload, got)
}

func TestReplyConnectionRejectsBudgetViolation(t *testing.T) {
	_, server := finishedPair(t)
	defer server.CloseInbound()

	applicationReplyThrottle, throttleFrames := recordingSink()
	networkReply, _ := recordingSink()

	binding := &Binding{TLS: server, NetworkReply: networkReply, RouteID: 9, NetworkReplyBudget: 16}
	rc := &ReplyConnection{
		state:                    replyBeforeBegin,
		streamID:                 0x8000000000000002,
		applicationReplyThrottle: applicationReplyThrottle,
		networkReply:             binding.NetworkReply,
		binding:                  binding,
		pool:                     slot.NewFixedPool("application.reply", 2, 16, nil),
	}

	require.NoError(t, rc.Handle(frame.Begin{RouteID: 9, StreamID: rc.streamID}))
	granted := throttleFrames()[0].(frame.Window).Credit

	require.NoError(t, rc.Handle(frame.Data{StreamID: rc.streamID, Payload: make([]byte, granted+1)}))

	var sawReset bool
	for _, f := range throttleFrames() {
		if _, ok := f.(frame.Reset); ok {
			sawReset = true
		}
	}
	require.True(t, sawReset)
}

// TestReplyConnectionWindowPropagatesPaddingAndCredit drives a second
// network-side WINDOW after the initial one handleBegin sends, and checks
// that the resulting application-reply WINDOW keeps
// applicationReplyPadding == networkReplyPadding + MaxHeaderSize and
// grants exactly the slack networkReplyBudget gained over
// applicationReplyBudget, per the §4.F propagation formula.
func TestReplyConnectionWindowPropagatesPaddingAndCredit(t *testing.T) {
	client, server := finishedPair(t)
	defer client.CloseInbound()
	defer server.CloseInbound()

	applicationReplyThrottle, throttleFrames := recordingSink()
	networkReply, _ := recordingSink()

	binding := &Binding{
		TLS: server, NetworkReply: networkReply, RouteID: 9,
		NetworkReplyBudget: 1024, NetworkReplyPadding: MaxHeaderSize,
	}
	rc := &ReplyConnection{
		state:                    replyBeforeBegin,
		streamID:                 0x8000000000000003,
		applicationReplyThrottle: applicationReplyThrottle,
		networkReply:             binding.NetworkReply,
		binding:                  binding,
		pool:                     slot.NewFixedPool("application.reply", 2, 16*1024, nil),
	}

	require.NoError(t, rc.Handle(frame.Begin{RouteID: 9, StreamID: rc.streamID}))
	before := rc.applicationReplyBudget.Remaining()

	newPadding := uint32(2 * MaxHeaderSize)
	require.NoError(t, rc.Handle(frame.Window{StreamID: rc.streamID, Credit: 4096, Padding: newPadding}))

	frames := throttleFrames()
	last := frames[len(frames)-1].(frame.Window)
	require.EqualValues(t, newPadding+MaxHeaderSize, last.Padding, "applicationReplyPadding must track the live network padding")

	after := rc.applicationReplyBudget.Remaining()
	require.Equal(t, int64(last.Credit), after-before)
}

// TestReplyConnectionChunksCiphertextToMaxPayloadLength pushes a plaintext
// payload larger than MaxPayloadLength through the reply path and checks
// every emitted DATA frame's payload stays within the TLS record bound,
// not just their sum.
func TestReplyConnectionChunksCiphertextToMaxPayloadLength(t *testing.T) {
	client, server := finishedPair(t)
	defer client.CloseInbound()
	defer server.CloseInbound()

	applicationReplyThrottle, _ := recordingSink()
	networkReply, replyFrames := recordingSink()

	const payloadSize = 3 * MaxPayloadLength
	binding := &Binding{
		TLS: server, NetworkReply: networkReply, RouteID: 9,
		NetworkReplyBudget: 4 * payloadSize, NetworkReplyPadding: MaxHeaderSize,
	}
	rc := &ReplyConnection{
		state:                    replyBeforeBegin,
		streamID:                 0x8000000000000004,
		applicationReplyThrottle: applicationReplyThrottle,
		networkReply:             binding.NetworkReply,
		binding:                  binding,
		pool:                     slot.NewFixedPool("application.reply", 2, 2*payloadSize, nil),
	}

	require.NoError(t, rc.Handle(frame.Begin{RouteID: 9, StreamID: rc.streamID}))
	require.NoError(t, rc.Handle(frame.Data{StreamID: rc.streamID, Payload: make([]byte, payloadSize)}))

	var total int
	for _, f := range replyFrames() {
		d, ok := f.(frame.Data)
		if !ok {
			continue
		}
		require.LessOrEqual(t, len(d.Payload), MaxPayloadLength)
		total += len(d.Payload)
	}
	require.Greater(t, total, 0)
}

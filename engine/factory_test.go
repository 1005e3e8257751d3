package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/account-login/nukleus-tls/frame"
	"github.com/account-login/nukleus-tls/tlsengine"
)

func TestFactoryEndToEndAcceptAndReply(t *testing.T) {
	h := newTestHarness(t)
	leaf := h.addRoute(t, 1, "svc1")

	const acceptStreamID = 0x0000000000000005
	begin := frame.Begin{RouteID: 1, StreamID: acceptStreamID}

	networkThrottle, _ := recordingSink()
	applicationTarget, appFrames := recordingSink()

	client := tlsengine.New(tlsengine.RoleClient, clientConfigFor(leaf, "svc1.example"))
	defer client.CloseInbound()

	networkReply, networkReplyFrames := func() (frame.Sink, func() []frame.Frame) {
		var frames []frame.Frame
		sink := func(f frame.Frame) error {
			frames = append(frames, f)
			if d, ok := f.(frame.Data); ok {
				_, err := client.Unwrap(d.Payload)
				return err
			}
			return nil
		}
		return sink, func() []frame.Frame { return frames }
	}()
	selfSignal := func(f frame.Frame) error { return h.connections.Deliver(f) }

	handler, err := h.factory.NewAcceptStream(begin, networkThrottle, applicationTarget, networkReply, selfSignal)
	require.NoError(t, err)
	ac := handler.(*AcceptConnection)
	defer ac.tls.CloseInbound()

	driveHandshakeTo(t, client, ac, 1, acceptStreamID, func() bool {
		for _, f := range appFrames() {
			if _, ok := f.(frame.Begin); ok {
				return true
			}
		}
		return false
	})

	var correlationID uint64
	for _, f := range appFrames() {
		if b, ok := f.(frame.Begin); ok {
			correlationID = b.CorrelationID
		}
	}
	require.NotZero(t, correlationID)

	const replyStreamID = 0x8000000000000005
	applicationReplyThrottle, _ := recordingSink()
	replyHandler, err := h.factory.NewReplyStream(frame.Begin{RouteID: 1, StreamID: replyStreamID, CorrelationID: correlationID}, applicationReplyThrottle)
	require.NoError(t, err)
	rc := replyHandler.(*ReplyConnection)

	payload := []byte("hello from the backend")
	require.NoError(t, rc.Handle(frame.Data{RouteID: 1, StreamID: replyStreamID, Payload: payload}))

	var got []byte
	for i := 0; i < 50 && len(got) < len(payload); i++ {
		ur, _ := client.Unwrap(nil)
		got = append(got, ur.Output...)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, payload, got)
	require.NotEmpty(t, networkReplyFrames())

	_, stillBound := h.correlations.Pop(correlationID)
	require.False(t, stillBound, "NewReplyStream must consume the correlation exactly once")
}

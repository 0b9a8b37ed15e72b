package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larry-lines/justirc/internal/envelope"
)

func TestSendDeliversEnvelopeToPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := New("conn-1", server, 0, 0)
	defer s.Close()

	ack, err := envelope.New(envelope.TypeAck, 1, &envelope.AckPayload{Success: true})
	require.NoError(t, err)

	go s.Send(ack)

	r := envelope.NewReader(client)
	got, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeAck, got.Type)
}

func TestServeDispatchesDecodedEnvelopes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := New("conn-1", server, 0, 0)
	defer s.Close()

	received := make(chan envelope.Type, 1)
	go s.Serve(func(e *envelope.Envelope) error {
		received <- e.Type
		return nil
	})

	w := envelope.NewWriter(client)
	req, _ := envelope.New(envelope.TypeRegister, 1, &envelope.RegisterPayload{Nickname: "alice"})
	require.NoError(t, w.WriteEnvelope(req))

	select {
	case typ := <-received:
		assert.Equal(t, envelope.TypeRegister, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestServeReturnsOnHandlerError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := New("conn-1", server, 0, 0)

	done := make(chan struct{})
	go func() {
		s.Serve(func(e *envelope.Envelope) error {
			return assert.AnError
		})
		close(done)
	}()

	w := envelope.NewWriter(client)
	req, _ := envelope.New(envelope.TypeDisconnect, 1, nil)
	require.NoError(t, w.WriteEnvelope(req))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after handler error")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("session was not closed after Serve returned")
	}
}

func TestSetIdentityAndAccessors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := New("conn-1", server, 0, 0)
	defer s.Close()

	assert.Equal(t, "", s.UserID())
	s.SetIdentity("user_alice", "alice")
	assert.Equal(t, "user_alice", s.UserID())
	assert.Equal(t, "alice", s.Nickname())
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := New("conn-1", server, 0, 0)
	s.Close()

	e, _ := envelope.New(envelope.TypeAck, 1, nil)
	assert.Equal(t, ErrClosed, s.Send(e))
}

package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	e, err := New(TypeRegister, 1000, &RegisterPayload{Nickname: "alice", PublicKey: "a-key=="})
	require.NoError(t, err)
	require.NoError(t, w.WriteEnvelope(e))

	r := NewReader(&buf)
	got, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, got.Type)
	assert.Equal(t, ProtocolVersion, got.Version)

	var payload RegisterPayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "alice", payload.Nickname)
}

func TestReadEnvelopeRejectsBadVersion(t *testing.T) {
	raw := `{"version":"2.0","type":"register","timestamp":1}` + "\n"
	r := NewReader(strings.NewReader(raw))
	_, err := r.ReadEnvelope()
	if !assert.Equal(t, ErrBadEnvelope, err) {
		t.Logf("rejected frame:\n%s", spew.Sdump(raw))
	}
}

func TestReadEnvelopeRejectsMissingType(t *testing.T) {
	raw := `{"version":"1.0","timestamp":1}` + "\n"
	r := NewReader(strings.NewReader(raw))
	_, err := r.ReadEnvelope()
	if !assert.Equal(t, ErrBadEnvelope, err) {
		t.Logf("rejected frame:\n%s", spew.Sdump(raw))
	}
}

func TestReadEnvelopeRejectsMalformedJSON(t *testing.T) {
	raw := `not json` + "\n"
	r := NewReader(strings.NewReader(raw))
	_, err := r.ReadEnvelope()
	if !assert.Equal(t, ErrBadEnvelope, err) {
		t.Logf("rejected frame:\n%s", spew.Sdump(raw))
	}
}

func TestReadEnvelopeOversizedFrameIsNonFatal(t *testing.T) {
	huge := strings.Repeat("x", 100)
	input := `{"version":"1.0","type":"register","payload":"` + huge + `","timestamp":1}` + "\n" +
		`{"version":"1.0","type":"disconnect","timestamp":2}` + "\n"
	r := NewReader(strings.NewReader(input))
	r.MaxFrameSize = 50

	_, err := r.ReadEnvelope()
	assert.Equal(t, ErrFrameTooLarge, err)

	// stream resyncs: the next line is readable normally.
	next, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, TypeDisconnect, next.Type)
}

package broker

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larry-lines/justirc/internal/envelope"
	"github.com/larry-lines/justirc/internal/store"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.BanSweepEvery = 0
	cfg.SummaryEvery = 0
	cfg.QueueFlushEvery = 0
	cfg.IdleCleanupEvery = 0
	return cfg
}

// startBroker binds an ephemeral port directly, bypassing
// ListenAndServe's own net.Listen call so the test can learn the chosen
// port before accepting connections.
func startBroker(t *testing.T, cfg Config) (b *Broker, addr string) {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, "0"))
	require.NoError(t, err)
	b.listener = ln
	b.startBackgroundTasks()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.acceptConn(conn)
		}
	}()

	t.Cleanup(func() { b.Shutdown() })
	return b, ln.Addr().String()
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *envelope.Reader
	writer *envelope.Writer
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &testClient{
		t:      t,
		conn:   conn,
		reader: envelope.NewReader(conn),
		writer: envelope.NewWriter(conn),
	}
}

func (c *testClient) send(typ envelope.Type, payload interface{}) {
	c.t.Helper()
	env, err := envelope.New(typ, time.Now().Unix(), payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.writer.WriteEnvelope(env))
}

func (c *testClient) recv() *envelope.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := c.reader.ReadEnvelope()
	require.NoError(c.t, err)
	return env
}

func (c *testClient) register(nickname string) *envelope.AckPayload {
	c.t.Helper()
	c.send(envelope.TypeRegister, &envelope.RegisterPayload{
		Nickname:  nickname,
		PublicKey: "pubkey-" + nickname,
	})
	env := c.recv()
	require.Equal(c.t, envelope.TypeAck, env.Type)
	var ack envelope.AckPayload
	require.NoError(c.t, env.Decode(&ack))
	require.True(c.t, ack.Success)
	return &ack
}

// createChannel drives a brand-new channel through the full
// creator-password round trip: join_channel kicks off an
// op_password_request, and the matching op_password_response completes
// the join, returning the final ack.
func (c *testClient) createChannel(channel, creatorPassword string) *envelope.AckPayload {
	c.t.Helper()
	c.send(envelope.TypeJoinChannel, &envelope.JoinChannelRequest{Channel: channel, CreatorPassword: creatorPassword})

	req := c.recv()
	require.Equal(c.t, envelope.TypeOpPasswordRequest, req.Type)

	c.send(envelope.TypeOpPasswordResponse, &envelope.OpPasswordResponsePayload{Channel: channel, Password: creatorPassword})

	env := c.recv()
	require.Equal(c.t, envelope.TypeAck, env.Type)
	var ack envelope.AckPayload
	require.NoError(c.t, env.Decode(&ack))
	require.True(c.t, ack.Success)
	return &ack
}

func TestUserIDForPrefixesNickname(t *testing.T) {
	assert.Equal(t, "user_alice", UserIDFor("alice"))
}

func TestRegisterDuplicateNicknameRejected(t *testing.T) {
	_, addr := startBroker(t, testConfig(t))

	first := dial(t, addr)
	defer first.conn.Close()
	first.register("alice")

	second := dial(t, addr)
	defer second.conn.Close()
	second.send(envelope.TypeRegister, &envelope.RegisterPayload{Nickname: "alice", PublicKey: "other-key"})
	env := second.recv()
	assert.Equal(t, envelope.TypeError, env.Type)
	var errPayload envelope.ErrorPayload
	require.NoError(t, env.Decode(&errPayload))
	assert.Contains(t, errPayload.Error, "already in use")
}

func TestJoinChannelGrantsOwnerAndBroadcastsArrival(t *testing.T) {
	_, addr := startBroker(t, testConfig(t))

	alice := dial(t, addr)
	defer alice.conn.Close()
	alice.register("alice")

	ack := alice.createChannel("#general", "creatorpw")
	assert.True(t, ack.IsOwner)
	assert.True(t, ack.IsOperator)
	assert.NotEmpty(t, ack.ChannelKey)

	bob := dial(t, addr)
	defer bob.conn.Close()
	bob.register("bob")
	bob.send(envelope.TypeJoinChannel, &envelope.JoinChannelRequest{Channel: "#general"})
	bobAck := bob.recv()
	require.Equal(t, envelope.TypeAck, bobAck.Type)

	arrival := alice.recv()
	assert.Equal(t, envelope.TypeJoinChannel, arrival.Type)
	var broadcast envelope.JoinChannelBroadcast
	require.NoError(t, arrival.Decode(&broadcast))
	assert.Equal(t, "bob", broadcast.Nickname)
}

func TestChannelMessageFansOutToOtherMembersOnly(t *testing.T) {
	_, addr := startBroker(t, testConfig(t))

	alice := dial(t, addr)
	defer alice.conn.Close()
	alice.register("alice")
	alice.createChannel("#general", "creatorpw")

	bob := dial(t, addr)
	defer bob.conn.Close()
	bob.register("bob")
	bob.send(envelope.TypeJoinChannel, &envelope.JoinChannelRequest{Channel: "#general"})
	bob.recv()    // own join ack
	alice.recv() // bob's arrival broadcast

	bob.send(envelope.TypeChannelMessage, &envelope.ChannelMessagePayload{
		ToID:          "#general",
		EncryptedData: "ciphertext",
		Nonce:         "nonce",
	})

	got := alice.recv()
	require.Equal(t, envelope.TypeChannelMessage, got.Type)
	var msg envelope.ChannelMessagePayload
	require.NoError(t, got.Decode(&msg))
	assert.Equal(t, "user_bob", msg.FromID)
	assert.Equal(t, "ciphertext", msg.EncryptedData)
}

func TestChannelMessageRejectedForNonMember(t *testing.T) {
	_, addr := startBroker(t, testConfig(t))

	alice := dial(t, addr)
	defer alice.conn.Close()
	alice.register("alice")

	alice.send(envelope.TypeChannelMessage, &envelope.ChannelMessagePayload{ToID: "#nope", EncryptedData: "x", Nonce: "y"})
	env := alice.recv()
	assert.Equal(t, envelope.TypeError, env.Type)
	var errPayload envelope.ErrorPayload
	require.NoError(t, env.Decode(&errPayload))
	assert.Contains(t, errPayload.Error, "not a member")
}

func TestPrivateMessageQueuedWhenRecipientOffline(t *testing.T) {
	cfg := testConfig(t)
	b, addr := startBroker(t, cfg)

	alice := dial(t, addr)
	defer alice.conn.Close()
	alice.register("alice")

	alice.send(envelope.TypePrivateMessage, &envelope.PrivateMessagePayload{
		ToID:          UserIDFor("bob"),
		EncryptedData: "ciphertext",
		Nonce:         "nonce",
	})

	require.Eventually(t, func() bool {
		return b.queue.Depth(UserIDFor("bob")) == 1
	}, time.Second, 10*time.Millisecond)

	bob := dial(t, addr)
	defer bob.conn.Close()
	ack := bob.register("bob")
	assert.Equal(t, UserIDFor("bob"), ack.UserID)

	delivered := bob.recv()
	require.Equal(t, envelope.TypePrivateMessage, delivered.Type)
	var msg envelope.PrivateMessagePayload
	require.NoError(t, delivered.Decode(&msg))
	assert.Equal(t, "ciphertext", msg.EncryptedData)
}

func TestDisconnectClosesSessionAndBroadcastsLeave(t *testing.T) {
	_, addr := startBroker(t, testConfig(t))

	alice := dial(t, addr)
	defer alice.conn.Close()
	alice.register("alice")
	alice.createChannel("#general", "creatorpw")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send(envelope.TypeJoinChannel, &envelope.JoinChannelRequest{Channel: "#general"})
	bob.recv()
	alice.recv() // bob's arrival

	bob.send(envelope.TypeDisconnect, nil)
	bob.conn.Close()

	leave := alice.recv()
	assert.Equal(t, envelope.TypeLeaveChannel, leave.Type)
	var payload envelope.LeaveChannelPayload
	require.NoError(t, leave.Decode(&payload))
	assert.Equal(t, UserIDFor("bob"), payload.UserID)
}

func TestNewRootsEverySubsystemUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	b, err := New(DefaultConfig(dir))
	require.NoError(t, err)

	require.NoError(t, b.channels.CreateAndSave(store.NewChannel("#general", "a2V5")))
	_, statErr := os.Stat(filepath.Join(dir, "channels.json"))
	assert.NoError(t, statErr)
}

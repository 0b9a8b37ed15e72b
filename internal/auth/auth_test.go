package auth

import (
	"path/filepath"
	"testing"

	"github.com/larry-lines/justirc/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	nicknames map[string]string
	keys      map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{nicknames: map[string]string{}, keys: map[string]string{}}
}

func (d *fakeDirectory) add(userID, nickname, key string) {
	d.nicknames[userID] = nickname
	d.keys[userID] = key
}

func (d *fakeDirectory) NicknameAndKey(userID string) (string, string, bool) {
	n, ok := d.nicknames[userID]
	return n, d.keys[userID], ok
}

func newTestEngine(t *testing.T) (*Engine, *fakeDirectory) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "channels.json"))
	dir := newFakeDirectory()
	dir.add("user_alice", "alice", "Ka")
	dir.add("user_bob", "bob", "Kb")
	dir.add("user_eve", "eve", "Ke")
	return New(st, dir), dir
}

// TestNewChannelCreationPromptsForOperatorPassword verifies that
// creating a channel still prompts for an operator password before
// completion, even though the creator just supplied the creator
// password in the same request.
func TestNewChannelCreationPromptsForOperatorPassword(t *testing.T) {
	e, _ := newTestEngine(t)

	decision, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingAuth, decision.Outcome)
	assert.Equal(t, "set", decision.Action)

	completion, _, isGrant, err := e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)
	assert.False(t, isGrant)
	require.NotNil(t, completion)
	assert.True(t, completion.IsOperator)
	assert.True(t, completion.IsOwner)
	assert.False(t, completion.IsMod)
	assert.Len(t, completion.Members, 1)
}

func TestNewChannelRejectsShortCreatorPassword(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "abc")
	assert.Equal(t, ErrPasswordTooShort, err)
}

func TestJoinWithCorrectJoinPasswordSucceeds(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)

	st, _ := e.store.Get("#dev")
	st.JoinPasswordHash = store.HashPassword("letmein")
	require.NoError(t, e.store.Save())

	decision, err := e.Resolve("user_bob", "#dev", "letmein", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, decision.Outcome)
	assert.False(t, decision.ShouldBeOp)
}

func TestJoinWithWrongJoinPasswordRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)

	ch, _ := e.store.Get("#dev")
	ch.JoinPasswordHash = store.HashPassword("letmein")
	require.NoError(t, e.store.Save())

	_, err = e.Resolve("user_bob", "#dev", "wrong", "")
	assert.Equal(t, ErrWrongPassword, err)
}

func TestBannedUserRejectedAtResolve(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)

	require.NoError(t, e.Ban("user_alice", "alice", "user_bob", "#dev", "spam", 0))

	_, err = e.Resolve("user_bob", "#dev", "", "")
	var banErr *BanError
	assert.ErrorAs(t, err, &banErr)
	assert.Equal(t, "spam", banErr.Reason)
}

func TestRoleGrantFlow(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)

	decision, err := e.Resolve("user_bob", "#dev", "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, decision.Outcome)
	_, err = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)
	require.NoError(t, err)

	require.NoError(t, e.GrantRole("user_alice", "user_bob", "#dev", false))
	_, isMod, isGrant, err := e.HandleOpPasswordResponse("user_bob", "#dev", "bobpassword")
	require.NoError(t, err)
	assert.True(t, isGrant)
	assert.False(t, isMod)

	ch, _ := e.store.Get("#dev")
	assert.True(t, ch.Operators["user_bob"])
	assert.Equal(t, store.RoleOperator, ch.RoleCredentials["user_bob"].Role)
}

func TestOnlyOwnerMayGrantOperator(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	decision, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)
	decision2, _ := e.Resolve("user_eve", "#dev", "", "")
	_, _ = e.CompleteJoin("user_eve", "#dev", decision2.ShouldBeOp, decision2.IsOwner, decision2.IsMod)

	err := e.GrantRole("user_bob", "user_eve", "#dev", false)
	assert.Equal(t, ErrPermissionDenied, err)
}

func TestKickRules(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	decision, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)

	// a plain member cannot kick (here, the owner).
	assert.Equal(t, ErrPermissionDenied, e.Kick("user_bob", "user_alice", "#dev", ""))
	// self-kick rejected.
	assert.Equal(t, ErrSelfTarget, e.Kick("user_bob", "user_bob", "#dev", ""))
	// owner can kick bob.
	require.NoError(t, e.Kick("user_alice", "user_bob", "#dev", "disruptive"))
	assert.False(t, e.IsLiveMember("#dev", "user_bob"))
}

func TestModCannotKickOperator(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")

	decisionBob, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decisionBob.ShouldBeOp, decisionBob.IsOwner, decisionBob.IsMod)
	require.NoError(t, e.GrantRole("user_alice", "user_bob", "#dev", false))
	_, _, _, err := e.HandleOpPasswordResponse("user_bob", "#dev", "bobpassword")
	require.NoError(t, err)

	decisionEve, _ := e.Resolve("user_eve", "#dev", "", "")
	_, _ = e.CompleteJoin("user_eve", "#dev", decisionEve.ShouldBeOp, decisionEve.IsOwner, decisionEve.IsMod)
	require.NoError(t, e.GrantRole("user_alice", "user_eve", "#dev", true))
	_, _, _, err = e.HandleOpPasswordResponse("user_eve", "#dev", "evepassword")
	require.NoError(t, err)

	assert.Equal(t, ErrPermissionDenied, e.Kick("user_eve", "user_bob", "#dev", ""))
}

func TestBanImplicitlyKicksAndUnbanAllowsRejoin(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	decision, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)

	require.NoError(t, e.Ban("user_alice", "alice", "user_bob", "#dev", "spam", 0))
	assert.False(t, e.IsLiveMember("#dev", "user_bob"))

	require.NoError(t, e.Unban("user_alice", "user_bob", "#dev"))
	_, err := e.Resolve("user_bob", "#dev", "", "")
	assert.NoError(t, err)
}

func TestTransferOwnershipRequiresTargetIsOperator(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	decision, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)

	err := e.TransferOwnership("user_alice", "user_bob", "#dev")
	assert.Equal(t, ErrNotAnOperator, err)

	require.NoError(t, e.GrantRole("user_alice", "user_bob", "#dev", false))
	_, _, _, err = e.HandleOpPasswordResponse("user_bob", "#dev", "bobpassword")
	require.NoError(t, err)

	require.NoError(t, e.TransferOwnership("user_alice", "user_bob", "#dev"))
	ch, _ := e.store.Get("#dev")
	assert.Equal(t, "user_bob", ch.Owner)
}

func TestModeratedChannelGate(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _ = e.Resolve("user_alice", "#dev", "", "opensesame")
	_, _, _, _ = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	decision, _ := e.Resolve("user_bob", "#dev", "", "")
	_, _ = e.CompleteJoin("user_bob", "#dev", decision.ShouldBeOp, decision.IsOwner, decision.IsMod)

	require.NoError(t, e.SetMode("user_alice", "#dev", store.ModeModerated, true))

	may, err := e.MayPostInModeratedChannel("user_bob", "#dev")
	require.NoError(t, err)
	assert.False(t, may)

	may, err = e.MayPostInModeratedChannel("user_alice", "#dev")
	require.NoError(t, err)
	assert.True(t, may)
}

func TestDisconnectClearsPendingAuthBeforeCompletion(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)

	channels := e.Disconnect("user_alice")
	assert.Empty(t, channels) // not yet completed, so not live anywhere

	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	assert.Equal(t, ErrNoPendingAuth, err) // disconnect dropped the pending slot
}

func TestDisconnectClearsLiveMembership(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve("user_alice", "#dev", "", "opensesame")
	require.NoError(t, err)
	_, _, _, err = e.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
	require.NoError(t, err)

	channels := e.Disconnect("user_alice")
	assert.Equal(t, []string{"#dev"}, channels)
	assert.False(t, e.IsLiveMember("#dev", "user_alice"))
}

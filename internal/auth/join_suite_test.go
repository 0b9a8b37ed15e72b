package auth_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/larry-lines/justirc/internal/auth"
	"github.com/larry-lines/justirc/internal/store"
)

func TestJoinResolver(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Join resolver suite")
}

type directory struct {
	nicknames map[string]string
}

func (d *directory) NicknameAndKey(userID string) (string, string, bool) {
	n, ok := d.nicknames[userID]
	return n, "pub-" + userID, ok
}

func newEngine(dir string) (*auth.Engine, *directory) {
	st := store.New(filepath.Join(dir, "channels.json"))
	d := &directory{nicknames: map[string]string{
		"user_alice": "alice",
		"user_bob":   "bob",
	}}
	return auth.New(st, d), d
}

var _ = Describe("join resolver", func() {
	var (
		engine  *auth.Engine
		tempDir string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "justirc-auth-suite-*")
		Expect(err).NotTo(HaveOccurred())
		engine, _ = newEngine(tempDir)
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tempDir)).To(Succeed())
	})

	Context("when the channel does not exist yet", func() {
		It("rejects a creator password shorter than 4 characters", func() {
			_, err := engine.Resolve("user_alice", "#dev", "", "abc")
			Expect(err).To(Equal(auth.ErrPasswordTooShort))
		})

		It("requires an operator password round-trip even after supplying the creator password", func() {
			decision, err := engine.Resolve("user_alice", "#dev", "", "opensesame")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Outcome).To(Equal(auth.OutcomePendingAuth))
			Expect(decision.Action).To(Equal("set"))
		})

		It("makes the creator the owner and operator on completion", func() {
			_, err := engine.Resolve("user_alice", "#dev", "", "opensesame")
			Expect(err).NotTo(HaveOccurred())

			completion, _, isGrant, err := engine.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
			Expect(err).NotTo(HaveOccurred())
			Expect(isGrant).To(BeFalse())
			Expect(completion.IsOwner).To(BeTrue())
			Expect(completion.IsOperator).To(BeTrue())
		})
	})

	Context("when the channel exists and carries a join password", func() {
		BeforeEach(func() {
			_, err := engine.Resolve("user_alice", "#dev", "letmein", "opensesame")
			Expect(err).NotTo(HaveOccurred())
			_, _, _, err = engine.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
			Expect(err).NotTo(HaveOccurred())
		})

		It("admits a plain member with the correct join password", func() {
			decision, err := engine.Resolve("user_bob", "#dev", "letmein", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Outcome).To(Equal(auth.OutcomeComplete))
			Expect(decision.ShouldBeOp).To(BeFalse())
		})
	})

	Context("when the requester is banned", func() {
		BeforeEach(func() {
			_, err := engine.Resolve("user_alice", "#dev", "", "opensesame")
			Expect(err).NotTo(HaveOccurred())
			_, _, _, err = engine.HandleOpPasswordResponse("user_alice", "#dev", "opensesame")
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Ban("user_alice", "alice", "user_bob", "#dev", "griefing", 0)).To(Succeed())
		})

		It("rejects the join with the ban reason", func() {
			_, err := engine.Resolve("user_bob", "#dev", "", "")
			var banErr *auth.BanError
			Expect(err).To(BeAssignableToTypeOf(banErr))
			Expect(err.Error()).To(ContainSubstring("griefing"))
		})
	})
})

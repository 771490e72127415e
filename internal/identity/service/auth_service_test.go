package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"identity-onboarding/backend/internal/audit"
	auditdomain "identity-onboarding/backend/internal/audit/domain"
	identitydomain "identity-onboarding/backend/internal/identity/domain"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	"identity-onboarding/backend/internal/memstore"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	"identity-onboarding/backend/internal/ratelimit"
	"identity-onboarding/backend/internal/security"
	userdomain "identity-onboarding/backend/internal/user/domain"
	vdomain "identity-onboarding/backend/internal/verification/domain"
	vservice "identity-onboarding/backend/internal/verification/service"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	issued []*vdomain.Issued
}

func (d *recordingDeliverer) Deliver(ctx context.Context, issued *vdomain.Issued) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issued = append(d.issued, issued)
	return nil
}

func (d *recordingDeliverer) all() []*vdomain.Issued {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*vdomain.Issued(nil), d.issued...)
}

type harness struct {
	svc        *AuthService
	store      *memstore.Store
	challenges *vservice.Service
	mail       *recordingDeliverer
	clock      *clockwork.FakeClock
	hasher     *security.Hasher
}

func newHarness(t *testing.T, limiter ratelimit.Limiter) *harness {
	t.Helper()
	store := memstore.New()
	clock := clockwork.NewFakeClockAt(time.Now().UTC().Truncate(time.Second))
	challenges := vservice.NewService(store.Challenges(), vservice.Options{Clock: clock}, nil, nil)
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	mail := &recordingDeliverer{}
	hasher := security.NewHasher(4)
	svc := NewAuthService(Deps{
		Users:       store.Users(),
		Identities:  store.Identities(),
		Sessions:    store.Sessions(),
		Memberships: store.Memberships(),
		Orgs:        store.Orgs(),
		Challenges:  challenges,
		Delivery:    mail,
		Limiter:     limiter,
		Hasher:      hasher,
		Tokens:      tokens,
		Audit:       audit.NewLogger(store.Audit(), nil),
		Clock:       clock,
	}, 24*time.Hour, 720*time.Hour)
	return &harness{svc: svc, store: store, challenges: challenges, mail: mail, clock: clock, hasher: hasher}
}

func (h *harness) seedUser(t *testing.T, email, password string) *userdomain.User {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now().UTC()
	u := &userdomain.User{ID: "u-" + email, Email: email, Name: "Ann Lee", Status: userdomain.UserStatusActive, CreatedAt: now, UpdatedAt: now}
	if err := h.store.Users().Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	hash, err := h.hasher.Hash([]byte(password))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ident := &identitydomain.Identity{
		ID: "i-" + email, UserID: u.ID, Provider: identitydomain.IdentityProviderLocal,
		ProviderID: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now,
	}
	if err := h.store.Identities().Create(ctx, ident); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return u
}

func TestLogin_Success(t *testing.T) {
	h := newHarness(t, nil)
	u := h.seedUser(t, "a@x.com", "p1")

	res, err := h.svc.Login(context.Background(), "  A@X.com ", "p1", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != u.ID || res.AccessToken == "" {
		t.Errorf("result = %+v", res)
	}
	if !res.Session.ExpiresAt.Equal(h.clock.Now().UTC().Add(24 * time.Hour)) {
		t.Errorf("expires = %v, want default TTL", res.Session.ExpiresAt)
	}
	p, err := h.svc.Authenticate(context.Background(), res.AccessToken)
	if err != nil || p.UserID != u.ID || p.SessionID != res.Session.ID {
		t.Errorf("Authenticate = %+v, %v", p, err)
	}
	if actions := h.store.AuditActions(); len(actions) != 1 || actions[0] != auditdomain.ActionLogin {
		t.Errorf("audit = %v", actions)
	}
}

func TestLogin_RememberUsesLongTTL(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	res, err := h.svc.Login(context.Background(), "a@x.com", "p1", true)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Session.ExpiresAt.Equal(h.clock.Now().UTC().Add(720 * time.Hour)) {
		t.Errorf("expires = %v, want remember TTL", res.Session.ExpiresAt)
	}
}

func TestLogin_UnknownEmailAndWrongPasswordAreIdentical(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	_, wrong := h.svc.Login(ctx, "a@x.com", "nope", false)
	_, unknown := h.svc.Login(ctx, "b@x.com", "p1", false)
	if !errors.Is(wrong, ErrInvalidCredentials) || !errors.Is(unknown, ErrInvalidCredentials) {
		t.Fatalf("wrong = %v, unknown = %v", wrong, unknown)
	}
	if wrong.Error() != unknown.Error() {
		t.Errorf("messages differ: %q vs %q", wrong, unknown)
	}
	if _, empty := h.svc.Login(ctx, "", "", false); !errors.Is(empty, ErrInvalidCredentials) {
		t.Errorf("empty: %v", empty)
	}
	if n := h.store.Counts().Sessions; n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
	for _, a := range h.store.AuditActions() {
		if a != auditdomain.ActionLoginFailure {
			t.Errorf("unexpected audit action %q", a)
		}
	}
}

func TestLogin_RateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.NewMemoryLimiter(time.Hour, 2))
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()
	_, _ = h.svc.Login(ctx, "a@x.com", "bad", false)
	_, _ = h.svc.Login(ctx, "a@x.com", "bad", false)
	if _, err := h.svc.Login(ctx, "a@x.com", "p1", false); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestAuthenticate_RejectsRevokedExpiredAndGarbage(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	if _, err := h.svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("garbage: %v", err)
	}

	res, _ := h.svc.Login(ctx, "a@x.com", "p1", false)
	p, err := h.svc.Authenticate(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.svc.Logout(ctx, p); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("after logout: %v", err)
	}
	if err := h.svc.Logout(ctx, nil); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("logout without principal: %v", err)
	}

	short, _ := h.svc.Login(ctx, "a@x.com", "p1", false)
	h.clock.Advance(24 * time.Hour)
	if _, err := h.svc.Authenticate(ctx, short.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expired session row: %v", err)
	}
}

// gatedIssuer blocks Issue until release is closed.
type gatedIssuer struct {
	Challenges
	release chan struct{}
}

func (g *gatedIssuer) Issue(ctx context.Context, purpose vdomain.Purpose, target string) (*vdomain.Issued, error) {
	<-g.release
	return g.Challenges.Issue(ctx, purpose, target)
}

func TestRequestPasswordReset_KnownAccountDoesNotWaitForIssue(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	gate := &gatedIssuer{Challenges: h.challenges, release: make(chan struct{})}
	h.svc.d.Challenges = gate

	done := make(chan error, 1)
	go func() { done <- h.svc.RequestPasswordReset(context.Background(), "a@x.com") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RequestPasswordReset: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("RequestPasswordReset waited for the challenge store")
	}

	close(gate.release)
	h.svc.Wait()
	if n := h.store.Counts().Challenges; n != 1 {
		t.Errorf("challenges = %d, want 1", n)
	}
	if n := len(h.mail.all()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestRequestPasswordReset_UnknownAndKnownLookAlike(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	if err := h.svc.RequestPasswordReset(ctx, "nobody@x.com"); err != nil {
		t.Fatalf("unknown: %v", err)
	}
	if err := h.svc.RequestPasswordReset(ctx, "a@x.com"); err != nil {
		t.Fatalf("known: %v", err)
	}
	h.svc.Wait()

	if n := h.store.Counts().Challenges; n != 1 {
		t.Fatalf("challenges = %d, want 1", n)
	}
	sent := h.mail.all()
	if len(sent) != 1 || sent[0].Target != "a@x.com" || sent[0].Purpose != vdomain.PurposePasswordReset {
		t.Fatalf("delivered = %+v", sent)
	}
	if _, err := h.challenges.RedeemByCode(ctx, vdomain.PurposePasswordReset, "a@x.com", sent[0].Code); err != nil {
		t.Errorf("known email challenge not redeemable: %v", err)
	}
	if err := h.svc.RequestPasswordReset(ctx, "not-an-email"); !errors.Is(err, ErrValidation) {
		t.Errorf("malformed: %v", err)
	}
}

// redeemReset runs forgot-password for email and returns the consumed challenge ID.
func (h *harness) redeemReset(t *testing.T, email string) string {
	t.Helper()
	ctx := context.Background()
	if err := h.svc.RequestPasswordReset(ctx, email); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	h.svc.Wait()
	sent := h.mail.all()
	c, err := h.challenges.RedeemByToken(ctx, sent[len(sent)-1].Token)
	if err != nil {
		t.Fatalf("RedeemByToken: %v", err)
	}
	return c.ID
}

func TestCompletePasswordReset_RevokesEverySession(t *testing.T) {
	h := newHarness(t, nil)
	u := h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()
	before, _ := h.svc.Login(ctx, "a@x.com", "p1", true)
	other, _ := h.svc.Login(ctx, "a@x.com", "p1", false)

	resetID := h.redeemReset(t, "a@x.com")
	res, err := h.svc.CompletePasswordReset(ctx, resetID, "new-pass", "new-pass")
	if err != nil {
		t.Fatalf("CompletePasswordReset: %v", err)
	}
	if res.User.ID != u.ID {
		t.Errorf("user = %v", res.User.ID)
	}

	for _, old := range []string{before.AccessToken, other.AccessToken} {
		if _, err := h.svc.Authenticate(ctx, old); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("pre-reset session still valid: %v", err)
		}
	}
	if _, err := h.svc.Authenticate(ctx, res.AccessToken); err != nil {
		t.Errorf("post-reset session: %v", err)
	}
	if _, err := h.svc.Login(ctx, "a@x.com", "p1", false); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password: %v", err)
	}
	if _, err := h.svc.Login(ctx, "a@x.com", "new-pass", false); err != nil {
		t.Errorf("new password: %v", err)
	}
	if _, err := h.svc.CompletePasswordReset(ctx, resetID, "again", "again"); !errors.Is(err, ErrInvalidReset) {
		t.Errorf("reuse: err = %v, want ErrInvalidReset", err)
	}
}

func TestCompletePasswordReset_ValidationKeepsChallenge(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()
	resetID := h.redeemReset(t, "a@x.com")

	if _, err := h.svc.CompletePasswordReset(ctx, resetID, "x1", "x2"); !errors.Is(err, ErrValidation) {
		t.Fatalf("mismatch: err = %v, want ErrValidation", err)
	}
	if _, err := h.svc.CompletePasswordReset(ctx, resetID, "x1", "x1"); err != nil {
		t.Errorf("retry after validation error: %v", err)
	}
}

func TestCompletePasswordReset_Rejects(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	if _, err := h.svc.CompletePasswordReset(ctx, "not-a-uuid", "x", "x"); !errors.Is(err, ErrInvalidReset) {
		t.Errorf("unknown id: %v", err)
	}

	_ = h.svc.RequestPasswordReset(ctx, "a@x.com")
	h.svc.Wait()
	unredeemed := h.mail.all()[0]
	if _, err := h.svc.CompletePasswordReset(ctx, unredeemed.ChallengeID, "x", "x"); !errors.Is(err, ErrInvalidReset) {
		t.Errorf("unredeemed challenge: %v", err)
	}

	verify, _ := h.challenges.Issue(ctx, vdomain.PurposeEmailVerification, "a@x.com")
	_, _ = h.challenges.RedeemByToken(ctx, verify.Token)
	if _, err := h.svc.CompletePasswordReset(ctx, verify.ChallengeID, "x", "x"); !errors.Is(err, ErrInvalidReset) {
		t.Errorf("wrong purpose: %v", err)
	}

	resetID := h.redeemReset(t, "a@x.com")
	h.clock.Advance(h.challenges.TTL())
	if _, err := h.svc.CompletePasswordReset(ctx, resetID, "x", "x"); !errors.Is(err, ErrInvalidReset) {
		t.Errorf("stale redemption: %v", err)
	}
}

func TestRequestEmailVerification(t *testing.T) {
	h := newHarness(t, nil)
	u := h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	if err := h.svc.RequestEmailVerification(ctx, "a@x.com"); err != nil {
		t.Fatalf("RequestEmailVerification: %v", err)
	}
	h.svc.Wait()
	sent := h.mail.all()
	if len(sent) != 1 || sent[0].Purpose != vdomain.PurposeEmailVerification {
		t.Fatalf("delivered = %+v", sent)
	}
	c, err := h.challenges.RedeemByToken(ctx, sent[0].Token)
	if err != nil {
		t.Fatalf("RedeemByToken: %v", err)
	}
	found, err := h.svc.ConfirmEmail(ctx, c)
	if err != nil || !found {
		t.Fatalf("ConfirmEmail = %v, %v", found, err)
	}
	got, _ := h.store.Users().GetByID(ctx, u.ID)
	if got.EmailVerifiedAt == nil {
		t.Fatal("email not marked verified")
	}

	// Verified users get nothing more.
	_ = h.svc.RequestEmailVerification(ctx, "a@x.com")
	h.svc.Wait()
	if n := len(h.mail.all()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestConfirmEmail_UnknownUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	issued, _ := h.challenges.Issue(ctx, vdomain.PurposeEmailVerification, "new@x.com")
	c, _ := h.challenges.RedeemByToken(ctx, issued.Token)

	found, err := h.svc.ConfirmEmail(ctx, c)
	if err != nil || found {
		t.Errorf("ConfirmEmail = %v, %v; want false, nil", found, err)
	}
}

func TestConfirmEmail_RejectsOtherChallenges(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()

	unredeemed, _ := h.challenges.Issue(ctx, vdomain.PurposeEmailVerification, "a@x.com")
	c, _ := h.challenges.Get(ctx, unredeemed.ChallengeID)
	if _, err := h.svc.ConfirmEmail(ctx, c); !errors.Is(err, ErrInvalidVerification) {
		t.Errorf("unredeemed: err = %v, want ErrInvalidVerification", err)
	}
	reset, _ := h.challenges.Issue(ctx, vdomain.PurposePasswordReset, "a@x.com")
	c, _ = h.challenges.RedeemByToken(ctx, reset.Token)
	if _, err := h.svc.ConfirmEmail(ctx, c); !errors.Is(err, ErrInvalidVerification) {
		t.Errorf("reset challenge: err = %v, want ErrInvalidVerification", err)
	}
	if _, err := h.svc.ConfirmEmail(ctx, nil); !errors.Is(err, ErrInvalidVerification) {
		t.Errorf("nil: err = %v, want ErrInvalidVerification", err)
	}
}

func TestMe(t *testing.T) {
	h := newHarness(t, nil)
	u := h.seedUser(t, "a@x.com", "p1")
	ctx := context.Background()
	now := h.clock.Now()
	org := &orgdomain.Org{ID: "o1", Name: "Acme", Status: orgdomain.OrgStatusActive, CreatedAt: now,
		Address: orgdomain.Address{Line1: "1 Rd", City: "Metropolis", State: "CA", ZipCode: "90210"}}
	if err := h.store.Orgs().Create(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	_ = h.store.Memberships().Create(ctx, &membershipdomain.Membership{ID: "m1", UserID: u.ID, OrgID: org.ID, Role: membershipdomain.RoleOwner, CreatedAt: now})

	p, err := h.svc.Me(ctx, u.ID)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if p.User.Name != "Ann Lee" || len(p.Orgs) != 1 || p.Orgs[0].Name != "Acme" {
		t.Errorf("profile = %+v", p)
	}
	if _, err := h.svc.Me(ctx, "missing"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("missing user: %v", err)
	}
}

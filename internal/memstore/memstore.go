// Package memstore holds in-memory implementations of every repository, sharing one lock so the
// transactional operations (onboarding finalisation, password reset) stay atomic. Used by tests.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	auditdomain "identity-onboarding/backend/internal/audit/domain"
	identitydomain "identity-onboarding/backend/internal/identity/domain"
	identityrepo "identity-onboarding/backend/internal/identity/repository"
	membershipdomain "identity-onboarding/backend/internal/membership/domain"
	onboardingdomain "identity-onboarding/backend/internal/onboarding/domain"
	onboardingrepo "identity-onboarding/backend/internal/onboarding/repository"
	orgdomain "identity-onboarding/backend/internal/organization/domain"
	sessiondomain "identity-onboarding/backend/internal/session/domain"
	userdomain "identity-onboarding/backend/internal/user/domain"
	vdomain "identity-onboarding/backend/internal/verification/domain"
	verificationrepo "identity-onboarding/backend/internal/verification/repository"
)

// Store is the shared state.
type Store struct {
	mu          sync.Mutex
	users       map[string]*userdomain.User
	identities  map[string]*identitydomain.Identity
	orgs        map[string]*orgdomain.Org
	memberships []*membershipdomain.Membership
	sessions    map[string]*sessiondomain.Session
	challenges  []*vdomain.Challenge
	onboarding  map[string]*onboardingdomain.Session
	audit       []*auditdomain.AuditLog

	// ReplaceErrs are returned, in order, by the next Challenges().Replace calls.
	ReplaceErrs []error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:      make(map[string]*userdomain.User),
		identities: make(map[string]*identitydomain.Identity),
		orgs:       make(map[string]*orgdomain.Org),
		sessions:   make(map[string]*sessiondomain.Session),
		onboarding: make(map[string]*onboardingdomain.Session),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func timePtr(t time.Time) *time.Time { return &t }

// Counts reports how many rows each table holds.
type Counts struct {
	Users, Identities, Orgs, Memberships, Sessions, Challenges, Onboarding, Audit int
}

// Counts snapshots row counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Users:       len(s.users),
		Identities:  len(s.identities),
		Orgs:        len(s.orgs),
		Memberships: len(s.memberships),
		Sessions:    len(s.sessions),
		Challenges:  len(s.challenges),
		Onboarding:  len(s.onboarding),
		Audit:       len(s.audit),
	}
}

// AllOrgs returns every organization.
func (s *Store) AllOrgs() []*orgdomain.Org {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orgdomain.Org, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, clone(o))
	}
	return out
}

// AuditActions returns the recorded audit actions in insertion order.
func (s *Store) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.audit))
	for i, a := range s.audit {
		out[i] = a.Action
	}
	return out
}

// ---- users

// Users implements the user repository.
type Users struct{ s *Store }

func (s *Store) Users() *Users { return &Users{s} }

func (r *Users) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.users[id]), nil
}

func (r *Users) GetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.userByEmail(email)), nil
}

func (s *Store) userByEmail(email string) *userdomain.User {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

func (r *Users) Create(ctx context.Context, u *userdomain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.userByEmail(u.Email) != nil {
		return onboardingrepo.ErrEmailTaken
	}
	r.s.users[u.ID] = clone(u)
	return nil
}

func (r *Users) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u := r.s.users[id]; u != nil && u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = timePtr(at)
		u.UpdatedAt = at
	}
	return nil
}

// ---- identities

// Identities implements the identity repository.
type Identities struct{ s *Store }

func (s *Store) Identities() *Identities { return &Identities{s} }

func identityKey(userID string, p identitydomain.IdentityProvider) string {
	return userID + "|" + string(p)
}

func (r *Identities) GetByUserAndProvider(ctx context.Context, userID string, provider identitydomain.IdentityProvider) (*identitydomain.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.identities[identityKey(userID, provider)]), nil
}

func (r *Identities) Create(ctx context.Context, i *identitydomain.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.identities[identityKey(i.UserID, i.Provider)] = clone(i)
	return nil
}

func (r *Identities) UpdatePasswordHash(ctx context.Context, userID string, provider identitydomain.IdentityProvider, hash string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.updatePasswordHash(userID, provider, hash, at)
}

func (s *Store) updatePasswordHash(userID string, provider identitydomain.IdentityProvider, hash string, at time.Time) error {
	i := s.identities[identityKey(userID, provider)]
	if i == nil {
		return sql.ErrNoRows
	}
	i.PasswordHash = hash
	i.UpdatedAt = at
	return nil
}

// ResetPassword mirrors the Postgres transaction: nothing changes unless every step succeeds.
func (r *Identities) ResetPassword(ctx context.Context, reset *identityrepo.PasswordReset) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.challenge(reset.ChallengeID)
	if c == nil || c.Purpose != vdomain.PurposePasswordReset || c.ConsumedAt == nil || c.FulfilledAt != nil {
		return 0, identityrepo.ErrResetStale
	}
	if r.s.identities[identityKey(reset.UserID, identitydomain.IdentityProviderLocal)] == nil {
		return 0, sql.ErrNoRows
	}
	c.FulfilledAt = timePtr(reset.At)
	_ = r.s.updatePasswordHash(reset.UserID, identitydomain.IdentityProviderLocal, reset.PasswordHash, reset.At)
	revoked := r.s.revokeAll(reset.UserID, reset.At)
	if reset.NewSession != nil {
		r.s.sessions[reset.NewSession.ID] = clone(reset.NewSession)
	}
	return revoked, nil
}

// ---- organizations and memberships

// Orgs implements the organization repository.
type Orgs struct{ s *Store }

func (s *Store) Orgs() *Orgs { return &Orgs{s} }

func (r *Orgs) GetByID(ctx context.Context, id string) (*orgdomain.Org, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.orgs[id]), nil
}

func (r *Orgs) Create(ctx context.Context, o *orgdomain.Org) error {
	if err := o.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.orgs[o.ID] = clone(o)
	return nil
}

// Memberships implements the membership repository.
type Memberships struct{ s *Store }

func (s *Store) Memberships() *Memberships { return &Memberships{s} }

func (r *Memberships) Create(ctx context.Context, m *membershipdomain.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.memberships = append(r.s.memberships, clone(m))
	return nil
}

func (r *Memberships) ListByUser(ctx context.Context, userID string) ([]*membershipdomain.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*membershipdomain.Membership
	for _, m := range r.s.memberships {
		if m.UserID == userID {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

// ---- sessions

// Sessions implements the session repository.
type Sessions struct{ s *Store }

func (s *Store) Sessions() *Sessions { return &Sessions{s} }

func (r *Sessions) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.sessions[id]), nil
}

func (r *Sessions) Create(ctx context.Context, sess *sessiondomain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[sess.ID] = clone(sess)
	return nil
}

func (r *Sessions) Revoke(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess := r.s.sessions[id]; sess != nil && sess.RevokedAt == nil {
		sess.RevokedAt = timePtr(at)
	}
	return nil
}

func (r *Sessions) RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.revokeAll(userID, at), nil
}

func (s *Store) revokeAll(userID string, at time.Time) int64 {
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = timePtr(at)
			n++
		}
	}
	return n
}

func (r *Sessions) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess := r.s.sessions[id]; sess != nil {
		sess.LastSeenAt = timePtr(at)
	}
	return nil
}

// ---- challenges

// Challenges implements the challenge store.
type Challenges struct{ s *Store }

func (s *Store) Challenges() *Challenges { return &Challenges{s} }

func (s *Store) challenge(id string) *vdomain.Challenge {
	for _, c := range s.challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (r *Challenges) Replace(ctx context.Context, c *vdomain.Challenge, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.ReplaceErrs) > 0 {
		err := r.s.ReplaceErrs[0]
		r.s.ReplaceErrs = r.s.ReplaceErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, row := range r.s.challenges {
		if row.Purpose == c.Purpose && row.Target == c.Target && row.ConsumedAt == nil && row.RevokedAt == nil {
			row.RevokedAt = timePtr(at)
		}
	}
	r.s.challenges = append(r.s.challenges, clone(c))
	return nil
}

func (r *Challenges) GetByID(ctx context.Context, id string) (*vdomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return clone(r.s.challenge(id)), nil
}

func (r *Challenges) GetByTokenHash(ctx context.Context, tokenHash string) (*vdomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.challenges {
		if c.TokenHash == tokenHash {
			return clone(c), nil
		}
	}
	return nil, nil
}

// GetLatest relies on insertion order, which matches created_at ordering.
func (r *Challenges) GetLatest(ctx context.Context, purpose vdomain.Purpose, target string) (*vdomain.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.challenges) - 1; i >= 0; i-- {
		if c := r.s.challenges[i]; c.Purpose == purpose && c.Target == target {
			return clone(c), nil
		}
	}
	return nil, nil
}

func (r *Challenges) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.challenge(id)
	if c == nil || c.ConsumedAt != nil || c.RevokedAt != nil || !c.ExpiresAt.After(at) {
		return false, nil
	}
	c.ConsumedAt = timePtr(at)
	return true, nil
}

func (r *Challenges) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, at time.Time) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.challenge(id)
	if c == nil || c.ConsumedAt != nil || c.RevokedAt != nil {
		return 0, false, verificationrepo.ErrNotLive
	}
	c.AttemptCount++
	if c.AttemptCount >= maxAttempts {
		c.RevokedAt = timePtr(at)
	}
	return c.AttemptCount, c.RevokedAt != nil, nil
}

func (r *Challenges) MarkFulfilled(ctx context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.challenge(id)
	if c == nil || c.Purpose != vdomain.PurposePasswordReset || c.ConsumedAt == nil || c.FulfilledAt != nil {
		return false, nil
	}
	c.FulfilledAt = timePtr(at)
	return true, nil
}

func (r *Challenges) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.challenges[:0]
	var n int64
	for _, c := range r.s.challenges {
		if c.ExpiresAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.s.challenges = kept
	return n, nil
}

// ---- onboarding

// Onboarding implements the onboarding repository.
type Onboarding struct{ s *Store }

func (s *Store) Onboarding() *Onboarding { return &Onboarding{s} }

func (r *Onboarding) Replace(ctx context.Context, sess *onboardingdomain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.onboarding {
		if strings.EqualFold(existing.Email, sess.Email) {
			delete(r.s.onboarding, id)
		}
	}
	r.s.onboarding[sess.ID] = clone(sess)
	return nil
}

func (r *Onboarding) GetByTokenHash(ctx context.Context, tokenHash string) (*onboardingdomain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.onboarding {
		if sess.TokenHash == tokenHash {
			return clone(sess), nil
		}
	}
	return nil, nil
}

func (r *Onboarding) SaveProfile(ctx context.Context, sess *onboardingdomain.Session, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := r.s.onboarding[sess.ID]
	if cur == nil || cur.Step != onboardingdomain.StepVerified || !cur.ExpiresAt.After(at) {
		return false, nil
	}
	cur.Step = onboardingdomain.StepProfileSubmitted
	cur.FirstName, cur.LastName = sess.FirstName, sess.LastName
	cur.PasswordHash, cur.Remember = sess.PasswordHash, sess.Remember
	cur.UpdatedAt = at
	return true, nil
}

// Finalize checks every precondition before writing anything.
func (r *Onboarding) Finalize(ctx context.Context, c *onboardingdomain.Completion) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.userByEmail(c.User.Email) != nil {
		return onboardingrepo.ErrEmailTaken
	}
	cur := r.s.onboarding[c.OnboardingID]
	if cur == nil || cur.Step != onboardingdomain.StepProfileSubmitted {
		return onboardingrepo.ErrStale
	}
	if err := c.User.Validate(); err != nil {
		return err
	}
	if err := c.Org.Validate(); err != nil {
		return err
	}
	r.s.users[c.User.ID] = clone(c.User)
	r.s.identities[identityKey(c.Identity.UserID, c.Identity.Provider)] = clone(c.Identity)
	r.s.orgs[c.Org.ID] = clone(c.Org)
	r.s.memberships = append(r.s.memberships, clone(c.Membership))
	r.s.sessions[c.Session.ID] = clone(c.Session)
	delete(r.s.onboarding, c.OnboardingID)
	return nil
}

func (r *Onboarding) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.onboarding {
		if sess.ExpiresAt.Before(before) {
			delete(r.s.onboarding, id)
			n++
		}
	}
	return n, nil
}

// ---- audit

// Audit implements the audit repository.
type Audit struct{ s *Store }

func (s *Store) Audit() *Audit { return &Audit{s} }

func (r *Audit) Create(ctx context.Context, a *auditdomain.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audit = append(r.s.audit, clone(a))
	return nil
}

func (r *Audit) ListByUser(ctx context.Context, userID string, limit int) ([]*auditdomain.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*auditdomain.AuditLog
	for _, a := range r.s.audit {
		if a.UserID == userID {
			out = append(out, clone(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

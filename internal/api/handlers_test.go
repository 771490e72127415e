package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-onboarding/backend/internal/audit"
	"identity-onboarding/backend/internal/delivery"
	identityservice "identity-onboarding/backend/internal/identity/service"
	"identity-onboarding/backend/internal/memstore"
	onboardingservice "identity-onboarding/backend/internal/onboarding/service"
	"identity-onboarding/backend/internal/policy/engine"
	"identity-onboarding/backend/internal/security"
	vservice "identity-onboarding/backend/internal/verification/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	codePattern = regexp.MustCompile(`verification code: (\S+)`)
	linkPattern = regexp.MustCompile(`continue: (\S+)`)
)

type testAPI struct {
	router  *gin.Engine
	store   *memstore.Store
	mailbox *delivery.Mailbox
	auth    *identityservice.AuthService
}

type readiness struct{ err error }

func (r readiness) Ready(context.Context) error { return r.err }

func newTestAPI(t *testing.T, health Readiness, mutate ...func(*onboardingservice.Deps)) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()
	clock := clockwork.NewFakeClockAt(time.Now().UTC())
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	hasher := security.NewHasher(4)
	auditLog := audit.NewLogger(store.Audit(), logger)
	mailbox := delivery.NewMailbox()
	dispatcher := delivery.NewDispatcher(delivery.NewComposer("onboarding@resend.dev", "http://app.test/"), mailbox, logger)

	challenges := vservice.NewService(store.Challenges(), vservice.Options{Clock: clock}, nil, logger)
	deps := onboardingservice.Deps{
		Store:      store.Onboarding(),
		Users:      store.Users(),
		Challenges: challenges,
		Delivery:   dispatcher,
		Hasher:     hasher,
		Tokens:     tokens,
		Audit:      auditLog,
		Logger:     logger,
		Clock:      clock,
	}
	for _, m := range mutate {
		m(&deps)
	}
	onboarding := onboardingservice.NewService(deps, onboardingservice.Options{})
	auth := identityservice.NewAuthService(identityservice.Deps{
		Users:       store.Users(),
		Identities:  store.Identities(),
		Sessions:    store.Sessions(),
		Memberships: store.Memberships(),
		Orgs:        store.Orgs(),
		Challenges:  challenges,
		Delivery:    dispatcher,
		Hasher:      hasher,
		Tokens:      tokens,
		Audit:       auditLog,
		Logger:      logger,
		Clock:       clock,
	}, 24*time.Hour, 720*time.Hour)

	h := NewHandlers(Services{
		Verification: challenges,
		Onboarding:   onboarding,
		Auth:         auth,
		Health:       health,
		Mailbox:      mailbox,
	}, logger)
	return &testAPI{router: NewRouter(h, RouterOptions{}), store: store, mailbox: mailbox, auth: auth}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

// latestMail reads the dev mailbox over HTTP.
func (a *testAPI) latestMail(t *testing.T, email string) map[string]any {
	t.Helper()
	w, msg := a.do(t, http.MethodGet, "/dev/mailbox?email="+url.QueryEscape(email), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return msg
}

func mailCode(t *testing.T, msg map[string]any) string {
	t.Helper()
	m := codePattern.FindStringSubmatch(msg["text"].(string))
	require.Len(t, m, 2, "no code in %q", msg["text"])
	return m[1]
}

func mailLink(t *testing.T, msg map[string]any) string {
	t.Helper()
	m := linkPattern.FindStringSubmatch(msg["text"].(string))
	require.Len(t, m, 2, "no link in %q", msg["text"])
	u, err := url.Parse(m[1])
	require.NoError(t, err)
	return u.RequestURI()
}

// onboard runs the whole signup over HTTP and returns the completion response.
func (a *testAPI) onboard(t *testing.T, email, password string) map[string]any {
	t.Helper()
	w, _ := a.do(t, http.MethodPost, "/signup", gin.H{"email": email}, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	msg := a.latestMail(t, email)
	assert.Equal(t, "Welcome!", msg["subject"])
	assert.Equal(t, "onboarding@resend.dev", msg["from"])

	w, verified := a.do(t, http.MethodPost, "/verify", gin.H{"target": email, "type": "onboarding", "code": mailCode(t, msg)}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "onboarding", verified["next"])
	token := verified["onboarding_token"].(string)

	w, _ = a.do(t, http.MethodPost, "/onboarding/profile", gin.H{
		"onboarding_token": token, "first_name": "Ann", "last_name": "Lee",
		"password": password, "confirm_password": password,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, done := a.do(t, http.MethodPost, "/onboarding/organization", gin.H{
		"onboarding_token": token, "name": "Acme", "address_line1": "1 Rd",
		"city": "Metropolis", "state": "CA", "zip": "90210",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return done
}

func TestOnboardingScenario(t *testing.T) {
	a := newTestAPI(t, nil)
	done := a.onboard(t, "a@x.com", "p1")

	token, _ := done["access_token"].(string)
	require.NotEmpty(t, token)
	user := done["user"].(map[string]any)
	assert.Equal(t, "a@x.com", user["email"])
	assert.Equal(t, "Ann Lee", user["name"])
	assert.Equal(t, true, user["email_verified"])

	counts := a.store.Counts()
	assert.Equal(t, 1, counts.Users)
	assert.Equal(t, 1, counts.Orgs)
	assert.Equal(t, 0, counts.Onboarding)

	w, me := a.do(t, http.MethodGet, "/me", nil, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	orgs := me["organizations"].([]any)
	require.Len(t, orgs, 1)
	assert.Equal(t, "Acme", orgs[0].(map[string]any)["name"])
	assert.Equal(t, "owner", orgs[0].(map[string]any)["role"])

	w, _ = a.do(t, http.MethodPost, "/logout", nil, token)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = a.do(t, http.MethodGet, "/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, login := a.do(t, http.MethodPost, "/login", gin.H{"email": "A@x.com", "password": "p1"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, login["access_token"])

	w, _ = a.do(t, http.MethodPost, "/signup", gin.H{"email": "a@x.com"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOrganizationBeforeProfile(t *testing.T) {
	a := newTestAPI(t, nil)
	_, _ = a.do(t, http.MethodPost, "/signup", gin.H{"email": "a@x.com"}, "")
	msg := a.latestMail(t, "a@x.com")
	_, verified := a.do(t, http.MethodPost, "/verify", gin.H{"target": "a@x.com", "type": "onboarding", "code": mailCode(t, msg)}, "")

	w, body := a.do(t, http.MethodPost, "/onboarding/organization", gin.H{
		"onboarding_token": verified["onboarding_token"], "name": "Acme", "address_line1": "1 Rd",
		"city": "Metropolis", "state": "CA", "zip": "90210",
	}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "onboarding step submitted out of order", body["error"])

	w, _ = a.do(t, http.MethodPost, "/onboarding/profile", gin.H{"onboarding_token": "bogus", "first_name": "A", "last_name": "B", "password": "p", "confirm_password": "p"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLinkThenCode(t *testing.T) {
	a := newTestAPI(t, nil)
	_, _ = a.do(t, http.MethodPost, "/signup", gin.H{"email": "a@x.com"}, "")
	msg := a.latestMail(t, "a@x.com")

	w, body := a.do(t, http.MethodGet, mailLink(t, msg), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "onboarding", body["next"])

	w, body = a.do(t, http.MethodPost, "/verify", gin.H{"target": "a@x.com", "type": "onboarding", "code": mailCode(t, msg)}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "verification was already used", body["error"])
}

func TestVerifyErrors(t *testing.T) {
	a := newTestAPI(t, nil)
	w, _ := a.do(t, http.MethodPost, "/verify", gin.H{"target": "a@x.com", "type": "bogus", "code": "X"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := a.do(t, http.MethodPost, "/verify", gin.H{"target": "a@x.com", "type": "onboarding", "code": "ZZZZZZ"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid verification code", body["error"])

	w, _ = a.do(t, http.MethodGet, "/verify?target=a@x.com&code=nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/signup", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w, _ = a.do(t, http.MethodPost, "/signup", gin.H{"email": "not-an-email"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginFailuresLookAlike(t *testing.T) {
	a := newTestAPI(t, nil)
	a.onboard(t, "a@x.com", "p1")

	wrong, _ := a.do(t, http.MethodPost, "/login", gin.H{"email": "a@x.com", "password": "nope"}, "")
	unknown, _ := a.do(t, http.MethodPost, "/login", gin.H{"email": "b@x.com", "password": "p1"}, "")
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
	assert.Contains(t, wrong.Body.String(), "invalid email or password")
}

func TestPasswordResetScenario(t *testing.T) {
	a := newTestAPI(t, nil)
	done := a.onboard(t, "a@x.com", "p1")
	oldToken := done["access_token"].(string)

	known, _ := a.do(t, http.MethodPost, "/forgot-password", gin.H{"email": "a@x.com"}, "")
	unknown, _ := a.do(t, http.MethodPost, "/forgot-password", gin.H{"email": "nobody@x.com"}, "")
	require.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, known.Code, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	a.auth.Wait()

	w, _ := a.do(t, http.MethodGet, "/dev/mailbox?email=nobody@x.com", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	msg := a.latestMail(t, "a@x.com")
	assert.Equal(t, "Password Reset", msg["subject"])
	w, verified := a.do(t, http.MethodGet, mailLink(t, msg), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "reset-password", verified["next"])

	w, reset := a.do(t, http.MethodPost, "/reset-password", gin.H{
		"reset_token": verified["reset_token"], "password": "p2", "confirm_password": "p2",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, reset["access_token"])

	w, _ = a.do(t, http.MethodGet, "/me", nil, oldToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "pre-reset session must be revoked")

	w, _ = a.do(t, http.MethodPost, "/login", gin.H{"email": "a@x.com", "password": "p1"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = a.do(t, http.MethodPost, "/login", gin.H{"email": "a@x.com", "password": "p2"}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = a.do(t, http.MethodPost, "/reset-password", gin.H{
		"reset_token": verified["reset_token"], "password": "p3", "confirm_password": "p3",
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmailVerificationForNewEmailStartsOnboarding(t *testing.T) {
	a := newTestAPI(t, nil)
	w, _ := a.do(t, http.MethodPost, "/verify/email", gin.H{"email": "new@x.com"}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	a.auth.Wait()

	msg := a.latestMail(t, "new@x.com")
	assert.Equal(t, "Verify your email", msg["subject"])
	w, body := a.do(t, http.MethodPost, "/verify", gin.H{"target": "new@x.com", "type": "email-verification", "code": mailCode(t, msg)}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "onboarding", body["next"])
	assert.NotEmpty(t, body["onboarding_token"])
}

func TestBlockedDomainCannotOnboardThroughEmailVerification(t *testing.T) {
	policy, err := engine.NewOPAEvaluator(context.Background(), engine.DefaultSignupPolicy, []string{"blocked.com"}, zap.NewNop())
	require.NoError(t, err)
	a := newTestAPI(t, nil, func(d *onboardingservice.Deps) { d.Policy = policy })

	w, _ := a.do(t, http.MethodPost, "/signup", gin.H{"email": "eve@blocked.com"}, "")
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w, _ = a.do(t, http.MethodPost, "/verify/email", gin.H{"email": "eve@blocked.com"}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	a.auth.Wait()

	msg := a.latestMail(t, "eve@blocked.com")
	w, body := a.do(t, http.MethodPost, "/verify", gin.H{"target": "eve@blocked.com", "type": "email-verification", "code": mailCode(t, msg)}, "")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Nil(t, body["onboarding_token"])
	assert.Zero(t, a.store.Counts().Onboarding)
	assert.Zero(t, a.store.Counts().Users)
}

func TestMeRequiresBearer(t *testing.T) {
	a := newTestAPI(t, nil)
	w, _ := a.do(t, http.MethodGet, "/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = a.do(t, http.MethodGet, "/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthz(t *testing.T) {
	w, body := newTestAPI(t, readiness{}).do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = newTestAPI(t, readiness{err: errors.New("db down")}).do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{vservice.ErrExpired, http.StatusGone},
		{vservice.ErrTooManyAttempts, http.StatusTooManyRequests},
		{onboardingservice.ErrSignupNotAllowed, http.StatusForbidden},
		{identityservice.ErrRateLimited, http.StatusTooManyRequests},
		{identityservice.ErrInvalidVerification, http.StatusBadRequest},
		{delivery.ErrDeliveryFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _, _ := statusFor(tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
	}
}

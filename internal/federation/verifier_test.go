package federation

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/chathive/session-orchestrator/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeTenants struct {
	tenants map[string]*model.Tenant
}

func (f *fakeTenants) GetTenant(_ context.Context, id string) (*model.Tenant, error) {
	return f.tenants[id], nil
}

func peerTenant(id string) *model.Tenant {
	return &model.Tenant{ID: id, Name: id, SharedSecret: testSecret, Active: true}
}

func testClaims(issuer, audience string) *Claims {
	now := time.Now()
	return &Claims{
		ServerName: "srv-" + issuer,
		Action:     ActionCreateBot,
		Nonce:      uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
}

func testVerifier(t *testing.T, peers ...*model.Tenant) *Verifier {
	t.Helper()
	dir := &fakeTenants{tenants: map[string]*model.Tenant{}}
	for _, p := range peers {
		dir.tenants[p.ID] = p
	}
	cache := NewMemoryReplayCache(time.Minute, time.Minute)
	t.Cleanup(cache.Close)
	return NewVerifier(dir, "B", cache)
}

func TestVerify_AcceptsSignedRequest(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, err := signToken(testSecret, testClaims("A", "B"))
	assert.NoError(t, err)

	claims, err := v.Verify(context.Background(), "A", token)
	assert.NoError(t, err)
	assert.Equal(t, ActionCreateBot, claims.Action)
	assert.Equal(t, "A", claims.Issuer)
}

func TestVerify_RejectsReplayedNonce(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("A", "B"))

	_, err := v.Verify(context.Background(), "A", token)
	assert.NoError(t, err)
	_, err = v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "nonce replayed")
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken("not-the-shared-secret", testClaims("A", "B"))

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestVerify_RejectsUnknownAndInactiveSource(t *testing.T) {
	inactive := peerTenant("C")
	inactive.Active = false
	v := testVerifier(t, inactive)
	token, _ := signToken(testSecret, testClaims("C", "B"))

	_, err := v.Verify(context.Background(), "missing", token)
	assert.ErrorIs(t, err, ErrAuth)
	_, err = v.Verify(context.Background(), "C", token)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestVerify_RejectsMissingHeaderParts(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("A", "B"))

	_, err := v.Verify(context.Background(), "", token)
	assert.ErrorIs(t, err, ErrAuth)
	_, err = v.Verify(context.Background(), "A", "")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestVerify_RejectsIssuerMismatch(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("someone-else", "B"))

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "does not match source")
}

func TestVerify_RejectsWrongAudience(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("A", "C"))

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "not addressed to this server")
}

func TestVerify_RejectsIncompleteClaims(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	claims := testClaims("A", "B")
	claims.Nonce = ""
	token, _ := signToken(testSecret, claims)

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "incomplete claims")
}

func TestVerify_RejectsStaleTimestamp(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("A", "B"))
	v.now = func() time.Time { return time.Now().Add(TokenTTL + time.Minute) }

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "older than")
}

func TestVerify_RejectsFutureTimestamp(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	token, _ := signToken(testSecret, testClaims("A", "B"))
	v.now = func() time.Time { return time.Now().Add(-time.Minute) }

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "in the future")
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := testVerifier(t, peerTenant("A"))
	claims := testClaims("A", "B")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Second))
	token, _ := signToken(testSecret, claims)
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := v.Verify(context.Background(), "A", token)
	assert.ErrorIs(t, err, ErrAuth)
}

package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds both token expiry and the accepted timestamp window.
const TokenTTL = 5 * time.Minute

// Federation verbs. The action claim must match the verb path the request
// arrives on.
const (
	ActionCreateBot         = "createBot"
	ActionUpdateBot         = "updateBot"
	ActionUpdateCredentials = "updateCredentials"
	ActionLifecycleStart    = "lifecycleStart"
	ActionLifecycleStop     = "lifecycleStop"
	ActionLifecycleRestart  = "lifecycleRestart"
	ActionStatus            = "status"
	ActionHealth            = "health"
)

// Claims is the signed request: issuer and audience are tenant ids, the
// pairwise shared secret signs it, and data carries the verb payload.
type Claims struct {
	ServerName     string          `json:"server_name"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
	Nonce          string          `json:"nonce"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	jwt.RegisteredClaims
}

func signToken(secret string, claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// parseToken checks the signature only; the verifier owns claim validation so
// the timestamp and nonce rules stay in one tested place.
func parseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		// Only the HMAC family is acceptable.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

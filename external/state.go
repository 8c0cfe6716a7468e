package external

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidState = "OAUTH_INVALID_STATE"
	TextCodeStateExpired = "OAUTH_STATE_EXPIRED"

	// DefaultStateTTL bounds the time between the consent redirect and the
	// callback
	DefaultStateTTL = 10 * time.Minute
)

// ErrInvalidState is returned when the OAuth state is malformed or tampered
var ErrInvalidState = goerrors.New("invalid oauth state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidState).
	WithCode(goerrors.CodeBadRequest)

// ErrStateExpired is returned when the OAuth state is too old
var ErrStateExpired = goerrors.New("oauth state expired", goerrors.CategoryBadInput).
	WithTextCode(TextCodeStateExpired).
	WithCode(goerrors.CodeBadRequest)

// OAuthState is carried through the provider in the state parameter. Nonce
// is also kept in a cookie so the callback can bind the state to the
// browser that started the flow.
type OAuthState struct {
	Nonce     string `json:"n"`
	Provider  string `json:"p"`
	ReturnTo  string `json:"r,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// StateCodec signs and verifies OAuth states with HMAC-SHA256
type StateCodec struct {
	key []byte
	ttl time.Duration
	now auth.Clock
}

// NewStateCodec returns a codec keyed with key. A zero ttl uses
// DefaultStateTTL.
func NewStateCodec(key []byte, ttl time.Duration, clock auth.Clock) (*StateCodec, error) {
	if len(key) < 32 {
		return nil, goerrors.New("oauth state key must be at least 32 bytes", goerrors.CategoryValidation).
			WithTextCode("INVALID_CONFIG")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &StateCodec{key: append([]byte(nil), key...), ttl: ttl, now: clock}, nil
}

// Encode fills the nonce and expiry when missing and signs state
func (sc *StateCodec) Encode(state *OAuthState) (string, error) {
	if state == nil {
		return "", ErrInvalidState
	}
	if state.Nonce == "" {
		nonce, err := generateNonce()
		if err != nil {
			return "", err
		}
		state.Nonce = nonce
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = sc.now().Add(sc.ttl).Unix()
	}
	if state.ReturnTo != "" && !auth.IsSafeReturnPath(state.ReturnTo) {
		state.ReturnTo = ""
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	mac := hmac.New(sha256.New, sc.key)
	mac.Write(payload)
	signed := append(mac.Sum(nil), payload...)

	return base64.RawURLEncoding.EncodeToString(signed), nil
}

// Decode verifies the signature and the expiry of token
func (sc *StateCodec) Decode(token string) (*OAuthState, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) <= sha256.Size {
		return nil, ErrInvalidState
	}

	signature, payload := data[:sha256.Size], data[sha256.Size:]

	mac := hmac.New(sha256.New, sc.key)
	mac.Write(payload)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, ErrInvalidState
	}

	var state OAuthState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, ErrInvalidState
	}

	if sc.now().Unix() >= state.ExpiresAt {
		return nil, ErrStateExpired
	}
	return &state, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Package auth implements the Token Verifier: a pure function from an
// opaque bearer/guest token to a TokenPayload or a classified failure. It
// performs no I/O and holds no mutable state.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FailureCode is one of the four disjoint reasons a token was rejected.
type FailureCode string

const (
	AuthRequired      FailureCode = "AUTH_REQUIRED"
	AuthInvalid       FailureCode = "AUTH_INVALID"
	AuthExpired       FailureCode = "AUTH_EXPIRED"
	SessionCreateFail FailureCode = "SESSION_CREATE_FAILED"
)

// VerifyError carries a FailureCode alongside a human-readable message
// suitable for the auth_error envelope's data.message field.
type VerifyError struct {
	Code    FailureCode
	Message string
}

func (e *VerifyError) Error() string { return e.Message }

func newVerifyError(code FailureCode, message string) *VerifyError {
	return &VerifyError{Code: code, Message: message}
}

// TokenPayload is the transient result of a successful verification. It
// is never persisted; it only seeds a Session.
type TokenPayload struct {
	UserID           string
	IsGuest          bool
	Email            string
	Roles            map[string]struct{}
	SubscriptionTier string
	Permissions      map[string]struct{}
	Expiry           time.Time
}

// HasRole reports whether role is present in the payload's role set.
func (p TokenPayload) HasRole(role string) bool {
	_, ok := p.Roles[role]
	return ok
}

const guestPrefix = "guest_"

// Verifier validates bearer and guest tokens. It is stateless and safe for
// concurrent use; the zero value is usable once Secret and GuestTTL are set.
type Verifier struct {
	// Secret is the HMAC signing key for non-guest JWTs.
	Secret []byte
	// GuestTTL is added to a guest token's embedded timestamp to compute
	// its expiry.
	GuestTTL time.Duration
	// Now, if set, overrides time.Now for testability. Defaults to
	// time.Now when nil.
	Now func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify classifies token and returns either a populated TokenPayload or a
// *VerifyError naming one of AuthRequired/AuthInvalid/AuthExpired.
func (v *Verifier) Verify(token string) (TokenPayload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenPayload{}, newVerifyError(AuthRequired, "Authentication token required")
	}

	if strings.HasPrefix(token, guestPrefix) {
		return v.verifyGuest(token)
	}
	return v.verifyJWT(token)
}

func (v *Verifier) verifyGuest(token string) (TokenPayload, error) {
	rest := strings.TrimPrefix(token, guestPrefix)
	idx := strings.LastIndex(rest, "_")
	if idx < 0 {
		return TokenPayload{}, newVerifyError(AuthInvalid, "malformed guest token")
	}
	uuidPart, tsPart := rest[:idx], rest[idx+1:]
	if !looksLikeUUID(uuidPart) {
		return TokenPayload{}, newVerifyError(AuthInvalid, "malformed guest token: invalid uuid")
	}
	tsMs, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return TokenPayload{}, newVerifyError(AuthInvalid, "malformed guest token: invalid timestamp")
	}

	issued := time.UnixMilli(tsMs)
	expiry := issued.Add(v.GuestTTL)
	if !expiry.After(v.now()) {
		return TokenPayload{}, newVerifyError(AuthExpired, "guest token expired")
	}

	return TokenPayload{
		UserID:           "guest-" + uuidPart,
		IsGuest:          true,
		Roles:            map[string]struct{}{"guest": {}},
		SubscriptionTier: "free",
		Permissions:      map[string]struct{}{"converse": {}},
		Expiry:           expiry,
	}, nil
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHex(byte(c)) {
			return false
		}
	}
	return true
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

type standardClaims struct {
	Subject          string   `json:"sub"`
	Email            string   `json:"email,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	SubscriptionTier string   `json:"subscriptionTier,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyJWT(token string) (TokenPayload, error) {
	var claims standardClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenPayload{}, newVerifyError(AuthExpired, "token expired")
		}
		return TokenPayload{}, newVerifyError(AuthInvalid, "invalid token: "+err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return TokenPayload{}, newVerifyError(AuthInvalid, "invalid token")
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
		if !expiry.After(v.now()) {
			return TokenPayload{}, newVerifyError(AuthExpired, "token expired")
		}
	}

	roles := make(map[string]struct{}, len(claims.Roles))
	for _, r := range claims.Roles {
		roles[r] = struct{}{}
	}
	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}
	tier := claims.SubscriptionTier
	if tier == "" {
		tier = "free"
	}

	return TokenPayload{
		UserID:           claims.Subject,
		IsGuest:          false,
		Email:            claims.Email,
		Roles:            roles,
		SubscriptionTier: tier,
		Permissions:      perms,
		Expiry:           expiry,
	}, nil
}

package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskvault.org/internal/ids"
)

// opaqueToken is the wire form of refresh and session tokens: an id segment
// for indexed lookup and a random secret whose hash is the stored identity.
type opaqueToken struct {
	ID     string
	Secret string
}

// String renders the composite value handed to clients.
func (t opaqueToken) String() string {
	return t.ID + "." + t.Secret
}

// Hash returns the one-way hash persisted for the token.
func (t opaqueToken) Hash() string {
	return hashSecret(t.Secret)
}

func newOpaqueToken() (opaqueToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return opaqueToken{}, err
	}
	return opaqueToken{
		ID:     ids.New(),
		Secret: base64.RawURLEncoding.EncodeToString(secretBytes),
	}, nil
}

func splitOpaqueToken(raw string) (opaqueToken, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return opaqueToken{}, ErrInvalidOrExpiredToken
	}
	return opaqueToken{ID: parts[0], Secret: parts[1]}, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Claims are the verified contents of an access token.
type Claims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// signAccessToken mints a short-lived HS256 access token bound to the
// principal id, role claim, and issuing session.
func (s *Service) signAccessToken(userID, role, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess validates an access token signature and expiry. It is a pure
// function of the token and the signing secret; the store is never consulted.
func (s *Service) VerifyAccess(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidOrExpiredToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidOrExpiredToken
		}
		return s.signingSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, ErrInvalidOrExpiredToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidOrExpiredToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Principal{}, ErrInvalidOrExpiredToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidOrExpiredToken
	}
	return Principal{
		UserID:    claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}, nil
}

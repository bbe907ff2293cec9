package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: no token presented")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the verified owner of a connection. It never changes for the
// lifetime of that connection.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Claims mirrors the session cookie payload: {id, email}. The id may be
// encoded as a JSON number or string.
type Claims struct {
	UserID any    `json:"id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses an HMAC-signed token and extracts the identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrNoToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := idString(claims.UserID)
	if id == "" {
		id = claims.Subject
	}
	if !ValidID(id) {
		return Identity{}, fmt.Errorf("%w: unusable identity %q", ErrInvalidToken, id)
	}
	return Identity{ID: id, Email: claims.Email}, nil
}

// Issue signs a token for id. Used by the dev token command and tests.
func Issue(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.ID,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidID reports whether id can name a personal channel. Identities end up
// in bus subjects, so separators and wildcards are refused.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, ". *>\t\r\n\x1f")
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

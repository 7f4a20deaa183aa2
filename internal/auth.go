package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parley/internal/storage"
)

// ErrUnauthenticated is wrapped by every credential failure.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the account a credential resolved to.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserLookup resolves a user id to its account. A nil user means unknown.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*storage.User, error)
}

// SessionClaims is the payload of an access token.
type SessionClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// SessionAuthenticator verifies HS256 access tokens and maps them to an
// existing account.
type SessionAuthenticator struct {
	secret []byte
	users  UserLookup
}

func NewSessionAuthenticator(secret string, users UserLookup) *SessionAuthenticator {
	return &SessionAuthenticator{secret: []byte(secret), users: users}
}

func (auth *SessionAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: no token provided", ErrUnauthenticated)
	}
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return auth.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token: %v", ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token missing userId", ErrUnauthenticated)
	}
	if auth.users == nil {
		return Identity{UserID: claims.UserID}, nil
	}
	user, err := auth.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user %s: %w", claims.UserID, err)
	}
	if user == nil {
		return Identity{}, fmt.Errorf("%w: user not found", ErrUnauthenticated)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}

// CredentialFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter for websocket handshakes.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// TokenIssuer signs access tokens with the same secret the authenticator
// checks.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

func (issuer *TokenIssuer) Issue(userID string, ttl time.Duration) (string, time.Time, error) {
	now := issuer.now()
	expiresAt := now.Add(ttl)
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

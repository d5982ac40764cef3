package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-relay/internal/protocol"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal extracted from a verified token.
// ExpiresAt bounds the session built on it; zero means the token carries
// no expiry claim.
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Verifier checks bearer tokens issued by the external auth service.
// Issuance, registration and password handling live there, not here.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify validates signature and expiry and extracts the identity claims.
// Any failure maps to ErrAuthExpired: the caller must obtain a fresh token
// before retrying.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", protocol.ErrAuthExpired, err)
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, protocol.ErrAuthExpired
	}

	userID, ok := (*claims)["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", protocol.ErrAuthExpired)
	}
	username, _ := (*claims)["username"].(string)

	identity := Identity{UserID: userID, Username: username}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", protocol.ErrAuthExpired, err)
	}
	if exp != nil {
		identity.ExpiresAt = exp.Time
	}
	return identity, nil
}

// BearerFromRequest pulls the token from the Authorization header or,
// failing that, the token query parameter (browser WebSocket clients
// cannot set headers on the upgrade request).
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, found := strings.CutPrefix(h, "Bearer "); found {
			return after
		}
		return h
	}
	return r.URL.Query().Get("token")
}

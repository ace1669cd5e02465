package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID     int64
	Identifier string
	Username   string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
}

// Verifier issues and validates the HS256 bearer tokens that gate both
// the HTTP API and the websocket identify handshake.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given user.
func (v *Verifier) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		Identifier: id.Identifier,
		Username:   id.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyProof validates a bearer token and returns the identity it
// carries.
func (v *Verifier) VerifyProof(tokenString string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Identifier == "" {
		return Identity{}, ErrInvalidToken
	}

	var userID int64
	_, _ = fmt.Sscanf(claims.Subject, "%d", &userID)
	return Identity{UserID: userID, Identifier: claims.Identifier, Username: claims.Username}, nil
}

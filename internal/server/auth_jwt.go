package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alfredjeanlab/gatebus/internal/gateway"
)

// UserClaims is the JWT body accepted by JWTAuthenticator. The subject is
// the user id.
type UserClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Status   string `json:"status,omitempty"`
}

// JWTAuthenticator accepts HS256 tokens signed with Secret, read from the
// Authorization header or the "token" query parameter. Issuer and Audience
// are checked when set.
type JWTAuthenticator struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// Authenticate implements Authenticator.
func (a JWTAuthenticator) Authenticate(r *http.Request) (gateway.User, error) {
	raw := bearerToken(r)
	if raw == "" {
		return gateway.User{}, errors.Join(ErrUnauthenticated, errors.New("missing token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	var claims UserClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return gateway.User{}, errors.Join(ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return gateway.User{}, errors.Join(ErrUnauthenticated, errors.New("token has no subject"))
	}

	user := gateway.User{ID: claims.Subject, Username: claims.Username, Status: claims.Status}
	if user.Username == "" {
		user.Username = user.ID
	}
	if user.Status == "" {
		user.Status = "online"
	}
	return user, nil
}

// IssueToken signs a gateway token for user that JWTAuthenticator with the
// same secret, issuer and audience accepts until ttl elapses.
func (a JWTAuthenticator) IssueToken(user gateway.User, ttl time.Duration) (string, error) {
	if len(a.Secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now().UTC()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Status:   user.Status,
	}
	if a.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

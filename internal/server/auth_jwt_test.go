package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alfredjeanlab/gatebus/internal/gateway"
)

func TestJWTAuthenticator(t *testing.T) {
	auth := JWTAuthenticator{Secret: []byte("s3cret"), Issuer: "identity", Audience: "gatebus"}

	valid, err := auth.IssueToken(gateway.User{ID: "u-alice", Username: "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, err := auth.IssueToken(gateway.User{ID: "u-alice"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	otherSecret, err := JWTAuthenticator{Secret: []byte("nope"), Issuer: "identity", Audience: "gatebus"}.
		IssueToken(gateway.User{ID: "u-alice"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	wrongAudience, err := JWTAuthenticator{Secret: []byte("s3cret"), Issuer: "identity", Audience: "other"}.
		IssueToken(gateway.User{ID: "u-alice"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name     string
		header   string
		query    string
		wantUser string
		wantErr  bool
	}{
		{name: "header", header: "Bearer " + valid, wantUser: "u-alice"},
		{name: "query", query: "?token=" + valid, wantUser: "u-alice"},
		{name: "missing", wantErr: true},
		{name: "expired", header: "Bearer " + expired, wantErr: true},
		{name: "wrong secret", header: "Bearer " + otherSecret, wantErr: true},
		{name: "wrong audience", header: "Bearer " + wrongAudience, wantErr: true},
		{name: "alg none", header: "Bearer " + noneAlg, wantErr: true},
		{name: "garbage", header: "Bearer not.a.jwt", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/gateway"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			user, err := auth.Authenticate(req)
			if tc.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got user=%+v err=%v", user, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if user.ID != tc.wantUser || user.Username != "alice" || user.Status != "online" {
				t.Errorf("user = %+v", user)
			}
		})
	}
}

func TestJWTAuthenticator_IssueTokenNeedsSecret(t *testing.T) {
	if _, err := (JWTAuthenticator{}).IssueToken(gateway.User{ID: "u"}, time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

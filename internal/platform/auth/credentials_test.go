package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
)

func newTestCredentials() *Credentials {
	return newCredentials(docstore.NewMemoryStore(), bcrypt.MinCost)
}

func TestCredentials_RegisterAndVerify(t *testing.T) {
	ctx := context.Background()
	creds := newTestCredentials()

	if err := creds.Register(ctx, "u1", " Ana@Example.org ", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := creds.Verify(ctx, "ana@example.org", "correct horse")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "u1" {
		t.Errorf("expected u1, got %s", id)
	}

	if _, err := creds.Verify(ctx, "ana@example.org", "wrong"); !apperr.Is(err, apperr.KindAuthFailure) {
		t.Errorf("expected auth failure for wrong password, got %v", err)
	}
	if _, err := creds.Verify(ctx, "nobody@example.org", "correct horse"); !apperr.Is(err, apperr.KindAuthFailure) {
		t.Errorf("expected auth failure for unknown email, got %v", err)
	}
}

func TestCredentials_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	creds := newTestCredentials()

	if err := creds.Register(ctx, "u1", "not-an-email", "long enough"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for email, got %v", err)
	}
	if err := creds.Register(ctx, "u1", "a@b.c", "short"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for password, got %v", err)
	}

	if err := creds.Register(ctx, "u1", "a@b.c", "long enough"); err != nil {
		t.Fatal(err)
	}
	if err := creds.Register(ctx, "u2", "A@B.C", "long enough"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestCredentials_Reauthenticate(t *testing.T) {
	ctx := context.Background()
	creds := newTestCredentials()
	if err := creds.Register(ctx, "admin-1", "admin@rhu.example.org", "s3cret-pass"); err != nil {
		t.Fatal(err)
	}

	if err := creds.Reauthenticate(ctx, "admin-1", "s3cret-pass"); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	for name, tc := range map[string]struct{ id, pw string }{
		"wrong password": {"admin-1", "guess"},
		"empty password": {"admin-1", ""},
		"unknown actor":  {"admin-2", "s3cret-pass"},
	} {
		if err := creds.Reauthenticate(ctx, tc.id, tc.pw); !apperr.Is(err, apperr.KindAuthFailure) {
			t.Errorf("%s: expected auth failure, got %v", name, err)
		}
	}

	if err := creds.Remove(ctx, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if err := creds.Reauthenticate(ctx, "admin-1", "s3cret-pass"); !apperr.Is(err, apperr.KindAuthFailure) {
		t.Errorf("expected auth failure after removal, got %v", err)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testSigningKey, "healthrecords", 2*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	token, exp, err := issuer.Issue(testActor("d1", "doctor"))
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Equal(fixed.Add(2 * time.Hour)) {
		t.Errorf("unexpected expiry %s", exp)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return testSigningKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed.Add(time.Minute) }))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "d1" || claims.Role != "doctor" || claims.Issuer != "healthrecords" {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := NewIssuer(nil, "x", time.Hour); err == nil {
		t.Error("expected error for empty key")
	}
}

package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/docstore"
)

const credentialsCollection = "credentials"

// MinPasswordLength is enforced on registration.
const MinPasswordLength = 8

// ErrEmailTaken is returned by Register when the email already has a
// credential.
var ErrEmailTaken = errors.New("auth: email already registered")

type credential struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

// Credentials is the built-in email/password store. Credentials are keyed by
// normalized email so registration is an atomic create.
type Credentials struct {
	store docstore.Store
	cost  int
	// dummy is compared against when the account does not exist so that
	// unknown emails take as long as wrong passwords.
	dummy []byte
}

func NewCredentials(store docstore.Store) *Credentials {
	return newCredentials(store, bcrypt.DefaultCost)
}

func newCredentials(store docstore.Store, cost int) *Credentials {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	return &Credentials{store: store, cost: cost, dummy: dummy}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register stores a bcrypt hash of password for the actor.
func (c *Credentials) Register(ctx context.Context, actorID, email, password string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return apperr.Validation("email", "a valid email is required")
	}
	if len(password) < MinPasswordLength {
		return apperr.Validation("password", "must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return err
	}
	err = c.store.Create(ctx, credentialsCollection, email, credential{
		ID: actorID, Email: email, PasswordHash: string(hash),
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return ErrEmailTaken
	}
	if err != nil {
		return apperr.Store("save credential", err)
	}
	return nil
}

// Verify checks an email/password pair and returns the actor id.
func (c *Credentials) Verify(ctx context.Context, email, password string) (string, error) {
	doc, err := c.store.Get(ctx, credentialsCollection, NormalizeEmail(email))
	if errors.Is(err, docstore.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(c.dummy, []byte(password))
		return "", apperr.AuthFailure("invalid email or password")
	}
	if err != nil {
		return "", apperr.Store("load credential", err)
	}
	var cred credential
	if err := doc.Decode(&cred); err != nil {
		return "", apperr.Store("decode credential", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return "", apperr.AuthFailure("invalid email or password")
	}
	return cred.ID, nil
}

// Reauthenticate confirms that password belongs to the actor. It guards
// irreversible operations and always returns an AuthFailure on mismatch.
func (c *Credentials) Reauthenticate(ctx context.Context, actorID, password string) error {
	if password == "" {
		return apperr.AuthFailure("password confirmation required")
	}
	docs, err := c.store.Query(ctx, docstore.Query{Collection: credentialsCollection, LimitToLast: 1}.Eq("id", actorID))
	if err != nil {
		return apperr.Store("load credential", err)
	}
	if len(docs) == 0 {
		_ = bcrypt.CompareHashAndPassword(c.dummy, []byte(password))
		return apperr.AuthFailure("password confirmation failed")
	}
	var cred credential
	if err := docs[0].Decode(&cred); err != nil {
		return apperr.Store("decode credential", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return apperr.AuthFailure("password confirmation failed")
	}
	return nil
}

// Remove deletes the actor's credential; used when an account is purged.
func (c *Credentials) Remove(ctx context.Context, actorID string) error {
	docs, err := c.store.Query(ctx, docstore.Query{Collection: credentialsCollection}.Eq("id", actorID))
	if err != nil {
		return apperr.Store("load credential", err)
	}
	for _, d := range docs {
		if err := c.store.Delete(ctx, credentialsCollection, d.ID); err != nil {
			return apperr.Store("delete credential", err)
		}
	}
	return nil
}

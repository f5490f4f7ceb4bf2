package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// ErrUnknownActor is returned by a ProfileLookup when the id has no profile.
var ErrUnknownActor = errors.New("auth: no profile for actor")

// ProfileLookup resolves an authenticated user id to the stored actor.
type ProfileLookup interface {
	LookupActor(ctx context.Context, id string) (policy.Actor, error)
}

// StoreProfiles reads actors from the patients collection.
type StoreProfiles struct {
	store docstore.Store
}

func NewStoreProfiles(store docstore.Store) *StoreProfiles {
	return &StoreProfiles{store: store}
}

func (p *StoreProfiles) LookupActor(ctx context.Context, id string) (policy.Actor, error) {
	doc, err := p.store.Get(ctx, "patients", id)
	if errors.Is(err, docstore.ErrNotFound) {
		return policy.Actor{}, ErrUnknownActor
	}
	if err != nil {
		return policy.Actor{}, fmt.Errorf("load profile %s: %w", id, err)
	}
	var profile struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := doc.Decode(&profile); err != nil {
		return policy.Actor{}, fmt.Errorf("decode profile %s: %w", id, err)
	}
	role, ok := policy.ParseRole(profile.Role)
	if !ok {
		role = policy.RolePatient
	}
	return policy.Actor{ID: id, Role: role, Name: profile.Name}, nil
}

func WithActor(ctx context.Context, a policy.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

// ActorFromContext returns the actor resolved for this request.
func ActorFromContext(ctx context.Context) (policy.Actor, bool) {
	a, ok := ctx.Value(ActorKey).(policy.Actor)
	return a, ok && a.ID != ""
}

// ActorMiddleware loads the caller's current role from the profile store on
// every request, so a role change applies to the very next request. When
// trustClaims is set (development) a user without a stored profile keeps the
// role the authentication step assigned.
func ActorMiddleware(profiles ProfileLookup, trustClaims bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			uid := UserIDFromContext(ctx)
			if uid == "" {
				return next(c)
			}

			actor, err := profiles.LookupActor(ctx, uid)
			switch {
			case errors.Is(err, ErrUnknownActor):
				role, ok := claimedRole(ctx)
				if !trustClaims || !ok {
					return echo.NewHTTPError(http.StatusUnauthorized, "no profile for authenticated user")
				}
				actor = policy.Actor{ID: uid, Role: role, Name: uid}
			case err != nil:
				return echo.NewHTTPError(http.StatusServiceUnavailable, "profile lookup failed").SetInternal(err)
			}

			ctx = WithActor(ctx, actor)
			ctx = context.WithValue(ctx, UserRolesKey, []string{string(actor.Role)})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func claimedRole(ctx context.Context) (policy.Role, bool) {
	for _, r := range RolesFromContext(ctx) {
		if role, ok := policy.ParseRole(r); ok {
			return role, true
		}
	}
	return "", false
}

// RequireActor rejects requests that reached a handler without a resolved
// actor.
func RequireActor(c echo.Context) (policy.Actor, error) {
	a, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return policy.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

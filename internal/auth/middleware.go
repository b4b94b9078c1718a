package auth

import (
	"context"
	"net/http"
	"strings"
)

type identityKey struct{}

// Validator is the part of Service the middleware needs.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (Identity, error)
}

// RequireAccess rejects requests without a valid access token and stores the
// resolved identity in the request context.
func RequireAccess(validator Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, string(CodeInvalidToken), "missing authorization token")
			return
		}

		identity, err := validator.Validate(r.Context(), tokenStr)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole must run inside RequireAccess.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, string(CodeInvalidToken), "missing authorization token")
			return
		}
		if !identity.HasRole(roles...) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	tokenStr := strings.TrimSpace(parts[1])
	return tokenStr, tokenStr != ""
}

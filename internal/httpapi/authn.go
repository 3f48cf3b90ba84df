package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tweetbook.app/internal/audit"
	"tweetbook.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate requires a valid, unexpired bearer access token and stores
// its claims in the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.verifier.ParseAccessToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrAuthFailed) {
				unauthorized(w, r, "invalid token")
				return
			}
			writeProblem(w, r, err)
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Protect resolves policy once and returns middleware that answers 403 when
// the caller's claims are denied. It must run after authenticate.
func (a *API) Protect(policy string) (func(http.Handler) http.Handler, error) {
	check, err := a.policies.Bind(policy)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if check(claims) == auth.Deny {
				_ = audit.LogEvent(r.Context(), audit.EventPolicyDenied, map[string]any{"policy": policy})
				writeProblem(w, r, newAPIError("access denied by policy "+policy, categoryAuthz, textCodeForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tweetbook"`)
	writeProblem(w, r, newAPIError(msg, categoryAuth, textCodeUnauthenticated))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// publicPaths never require a bearer token.
var publicPaths = map[string]struct{}{
	"/healthz":            {},
	"/system/descriptors": {},
	"/metrics":            {},
}

// cronPaths require the operator cron secret instead of a user JWT.
var cronPaths = map[string]struct{}{
	"/internal/tick": {},
}

type ctxKey string

const (
	ctxUserKey      ctxKey = "httpapi.user"
	ctxWorkspaceKey ctxKey = "httpapi.workspace"
)

// Claims is the subset of a session JWT's payload the Boundary trusts.
type Claims struct {
	jwt.RegisteredClaims
	UserID       string   `json:"uid"`
	WorkspaceIDs []string `json:"workspaces"`
}

// JWTValidator abstracts session-token validation so httpapi never imports
// a concrete signing scheme directly.
type JWTValidator interface {
	Validate(token string) (*Claims, error)
}

// HMACValidator validates session JWTs signed with a shared secret,
// grounded on internal/app/httpapi/auth.go's SupabaseJWTValidator.
type HMACValidator struct {
	secret []byte
}

// NewHMACValidator constructs a validator. Returns nil if secret is blank,
// matching the teacher's "feature absent when unconfigured" convention.
func NewHMACValidator(secret string) *HMACValidator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &HMACValidator{secret: []byte(secret)}
}

func (v *HMACValidator) Validate(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, fmt.Errorf("httpapi: jwt secret not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func extractBearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// wrapWithAuth enforces the Boundary's two auth dialects: a bearer secret
// on cron-only paths, a session JWT everywhere else requiring auth.
func wrapWithAuth(next http.Handler, validator JWTValidator, cronSecrets map[string]struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearer(r)
		if _, ok := cronPaths[r.URL.Path]; ok {
			if token == "" {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("cron secret required"))
				return
			}
			matched := false
			for secret := range cronSecrets {
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
					matched = true
				}
			}
			if !matched {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid cron secret"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if token == "" || validator == nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("session token required"))
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid session token: %w", err))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey, claims.UserID)
		ctx = context.WithValue(ctx, ctxWorkspaceKey, claims.WorkspaceIDs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserKey).(string)
	return v
}

// checkMembership implements the Boundary's "verify membership" guard: the
// caller's session must list workspaceID among its workspaces.
func checkMembership(ctx context.Context, workspaceID string) error {
	ids, _ := ctx.Value(ctxWorkspaceKey).([]string)
	for _, id := range ids {
		if id == workspaceID {
			return nil
		}
	}
	return ErrMembership
}

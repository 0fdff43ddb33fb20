package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAdminOnly    = errors.New("admin role required")
)

// Principal is the caller identity resolved from a bearer token.
// An empty Center on an admin means every center.
type Principal struct {
	Subject string
	Role    string
	Center  string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type Claims struct {
	Role   string `json:"role"`
	Center string `json:"center,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the request principal; anonymous callers are plain users.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Principal{Role: RoleUser}
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates an HS256 token and extracts the principal.
func (v *Verifier) Parse(raw string) (Principal, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role := strings.ToLower(claims.Role)
	switch role {
	case RoleAdmin, RoleUser:
	case "":
		role = RoleUser
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Principal{Subject: claims.Subject, Role: role, Center: claims.Center}, nil
}

// ErrorWriter renders an auth failure in the caller's error format.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// Middleware resolves the bearer token, if any. Requests without an
// Authorization header continue as anonymous users.
func (v *Verifier) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !strings.HasPrefix(header, "Bearer ") {
				onError(w, r, http.StatusUnauthorized, fmt.Errorf("%w: missing bearer scheme", ErrInvalidToken))
				return
			}

			p, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects non-admin principals with 403, or 401 when anonymous.
func RequireAdmin(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if !p.IsAdmin() {
				status := http.StatusForbidden
				if p.Subject == "" {
					status = http.StatusUnauthorized
				}
				onError(w, r, status, ErrAdminOnly)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SignToken issues an HS256 token. Used by local tooling; production tokens
// come from the identity service.
func SignToken(secret string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:   p.Role,
		Center: p.Center,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

package common

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hylla/trellis/internal/app"
)

// UserHeader carries a trusted caller id when header identity is enabled.
const UserHeader = "X-Trellis-User"

// IdentityConfig selects how callers are identified.
type IdentityConfig struct {
	JWTSecret   string
	JWTIssuer   string
	AllowHeader bool
}

// Identity resolves the caller from a bearer token or the user header and
// attaches it with app.WithCaller. Requests without credentials pass through
// anonymously; operations that need a caller reject them later.
func Identity(cfg IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok, err := resolveCaller(cfg, r)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if ok {
				r = r.WithContext(app.WithCaller(r.Context(), caller))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolveCaller(cfg IdentityConfig, r *http.Request) (app.Caller, bool, error) {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if cfg.JWTSecret == "" {
			return app.Caller{}, false, fmt.Errorf("%w: bearer tokens are not enabled", ErrUnauthenticated)
		}
		token, found := strings.CutPrefix(auth, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			return app.Caller{}, false, fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
		}
		subject, err := ParseSubject(cfg, strings.TrimSpace(token))
		if err != nil {
			return app.Caller{}, false, err
		}
		return app.Caller{UserID: subject, Source: "jwt"}, true, nil
	}
	if cfg.AllowHeader {
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			return app.Caller{UserID: user, Source: "header"}, true, nil
		}
	}
	return app.Caller{}, false, nil
}

// ParseSubject verifies an HS256 token and returns its sub claim.
func ParseSubject(cfg IdentityConfig, raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return strings.TrimSpace(subject), nil
}

// SignSubject issues an HS256 token for subject; the CLI uses it to mint tokens.
func SignSubject(cfg IdentityConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if cfg.JWTIssuer != "" {
		claims.Issuer = cfg.JWTIssuer
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"sirius-sound/internal/queue"
)

// Method names how an admin proved their identity.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// AdminSession is the capability every admin operation requires.
type AdminSession struct {
	Email  string `json:"email"`
	Method Method `json:"method"`
}

// Valid reports whether the session was produced by an Authenticator.
func (s AdminSession) Valid() bool {
	return s.Email != "" && s.Method != ""
}

type sessionKey struct{}

// WithSession stores the session on ctx.
func WithSession(ctx context.Context, s AdminSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the admin session stored on ctx, if any.
func SessionFrom(ctx context.Context) (AdminSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(AdminSession)
	return s, ok && s.Valid()
}

// Config holds admin credentials.
type Config struct {
	AdminEmail string
	JWTSecret  string
	APIKeyHash string
}

// Authenticator checks admin credentials on a request.
type Authenticator struct {
	adminEmail string
	jwtSecret  []byte
	apiKeyHash []byte
	now        func() time.Time
}

// NewAuthenticator builds an Authenticator. A credential kind whose secret is
// empty is disabled.
func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{
		adminEmail: strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		jwtSecret:  []byte(cfg.JWTSecret),
		apiKeyHash: []byte(cfg.APIKeyHash),
		now:        time.Now,
	}
}

// Authenticate resolves the request to an admin session.
func (a *Authenticator) Authenticate(r *http.Request) (AdminSession, error) {
	if a.adminEmail == "" {
		return AdminSession{}, fmt.Errorf("%w: no admin configured", queue.ErrUnauthorized)
	}
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return AdminSession{}, fmt.Errorf("%w: unsupported authorization scheme", queue.ErrUnauthorized)
		}
		return a.fromJWT(strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return a.fromAPIKey(key)
	}
	return AdminSession{}, fmt.Errorf("%w: missing credentials", queue.ErrUnauthorized)
}

func (a *Authenticator) fromJWT(raw string) (AdminSession, error) {
	if len(a.jwtSecret) == 0 {
		return AdminSession{}, fmt.Errorf("%w: token auth disabled", queue.ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return AdminSession{}, fmt.Errorf("%w: invalid token", queue.ErrUnauthorized)
	}
	email, _ := claims["email"].(string)
	if !strings.EqualFold(strings.TrimSpace(email), a.adminEmail) {
		return AdminSession{}, fmt.Errorf("%w: not an admin", queue.ErrUnauthorized)
	}
	return AdminSession{Email: a.adminEmail, Method: MethodJWT}, nil
}

func (a *Authenticator) fromAPIKey(key string) (AdminSession, error) {
	if len(a.apiKeyHash) == 0 {
		return AdminSession{}, fmt.Errorf("%w: api key auth disabled", queue.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(a.apiKeyHash, []byte(key)); err != nil {
		return AdminSession{}, fmt.Errorf("%w: invalid api key", queue.ErrUnauthorized)
	}
	return AdminSession{Email: a.adminEmail, Method: MethodAPIKey}, nil
}

// IssueToken signs an admin token, used by the CLI and tests.
func (a *Authenticator) IssueToken(ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": a.adminEmail,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString(a.jwtSecret)
}

// Middleware rejects requests without a valid admin credential.
func Middleware(a *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := a.Authenticate(r)
			if err != nil {
				logger.Warn("admin request rejected", "path", r.URL.Path, "reason", err.Error())
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    "UNAUTHORIZED",
					"message": "admin access required",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

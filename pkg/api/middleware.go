package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// RoleKing marks a token holder who may read escalation queues and
// acknowledge escalated petitions.
const RoleKing = "king"

// RoleAdmin marks a token holder who may halt and resume the system.
const RoleAdmin = "admin"

// Claims are the JWT claims the engine expects. Subject is the holder's
// identity (king id for crown routes).
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Realm string   `json:"realm,omitempty"`
}

// HasRole reports whether the claims carry the role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator validates bearer tokens signed with the shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an HMAC authenticator. An empty secret yields
// a nil authenticator and guarded routes fail closed.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Parse validates a token string and returns its claims.
func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// Sign issues a token for the given claims. Used by tests and tooling.
func (a *Authenticator) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type claimsKey struct{}

// ClaimsFrom extracts validated claims from the request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Require wraps a handler with bearer-token validation and a role
// check. A nil authenticator rejects everything.
func (a *Authenticator) Require(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if a == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}
		claims, err := a.Parse(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, "Token subject is required")
			return
		}
		if role != "" && !claims.HasRole(role) {
			WriteForbidden(w, "Role "+role+" is required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

// RateLimiter enforces a per-IP request budget.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP limiter allowing rps requests per
// second with the given burst.
func NewRateLimiter(rps, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors drops stale entries so the map cannot grow without
// bound. Checks every minute, removes entries idle for 3 minutes.
func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a handler enforcing the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
		}
		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

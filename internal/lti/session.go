package lti

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Launch is the subset of LTI launch state the annotation API needs for
// every request: identity, course scoping and grade-passback coordinates.
type Launch struct {
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	ContextID    string `json:"context_id"`
	CollectionID string `json:"collection_id,omitempty"`
	ConsumerKey  string `json:"consumer_key"`
	IsStaff      bool   `json:"is_staff"`
	IsGraded     bool   `json:"is_graded"`

	OutcomeServiceURL string `json:"outcome_service_url,omitempty"`
	ResultSourcedID   string `json:"result_sourcedid,omitempty"`
}

type sessionClaims struct {
	Launch
	jwt.RegisteredClaims
}

// SessionService mints and validates the short-lived session tokens the
// browser presents on annotation API calls after a successful launch.
type SessionService struct {
	hmac []byte
	ttl  time.Duration
}

func NewSessionService(secret string) *SessionService {
	return &SessionService{hmac: []byte(secret), ttl: 8 * time.Hour}
}

func (s *SessionService) Issue(l Launch) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		Launch: l,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "annotext",
			Subject:   l.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.hmac)
}

func (s *SessionService) Parse(tokenStr string) (*Launch, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.hmac, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return &c.Launch, nil
}

type ctxKey string

const ctxKeyLaunch ctxKey = "launch"

func WithLaunch(ctx context.Context, l *Launch) context.Context {
	return context.WithValue(ctx, ctxKeyLaunch, l)
}

// LaunchFromContext returns the launch claims attached by Middleware, or
// nil when the request was not authenticated.
func LaunchFromContext(ctx context.Context) *Launch {
	if v := ctx.Value(ctxKeyLaunch); v != nil {
		if l, ok := v.(*Launch); ok {
			return l
		}
	}
	return nil
}

// Middleware authenticates annotation API requests with a Bearer session
// token and attaches the launch claims to the request context.
func Middleware(s *SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			l, err := s.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithLaunch(r.Context(), l)))
		})
	}
}

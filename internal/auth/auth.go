// Package auth resolves the credential presented by a realtime client to a
// viewer identity. Tokens are HS256 JWTs issued by the main API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

var (
	// ErrMissingToken is returned when the request carries no credential.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// SessionCookie is the cookie browsers send on the websocket upgrade.
const SessionCookie = "session"

type contextKey string

const ViewerContextKey contextKey = "viewer"

// Claims are the token claims understood by the service. Subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer accepts any issuer.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate reads the token from the Authorization header, the token query
// parameter or the session cookie, in that order.
func (a *Authenticator) Authenticate(r *http.Request) (models.Viewer, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return models.Viewer{}, ErrMissingToken
	}
	return a.Validate(token)
}

// Validate parses a token and returns the viewer it identifies.
func (a *Authenticator) Validate(tokenString string) (models.Viewer, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Viewer{}, ErrExpiredToken
		}
		return models.Viewer{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return models.Viewer{}, ErrInvalidToken
	}

	return models.Viewer{UserID: claims.Subject, Username: claims.Username, IsAdmin: claims.Admin}, nil
}

// Issue signs a token for a viewer. It backs the development token tool and tests.
func (a *Authenticator) Issue(viewer models.Viewer, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: viewer.Username,
		Admin:    viewer.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   viewer.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// RequireViewer rejects unauthenticated requests with 401 before the handler runs.
func (a *Authenticator) RequireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer, err := a.Authenticate(r)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ViewerContextKey, viewer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ViewerFromContext retrieves the authenticated viewer from the request context.
func ViewerFromContext(ctx context.Context) (models.Viewer, bool) {
	viewer, ok := ctx.Value(ViewerContextKey).(models.Viewer)
	return viewer, ok
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

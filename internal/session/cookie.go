// Package session issues and verifies the signed wizard session cookie.
// The cookie is an HS256 JWT naming the session, its wizard, and whether the
// identity step has succeeded. The session store remains the source of
// truth; the verified claim is a convenience copy for the browser.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/model"
)

// Claims are the JWT claims carried by the session cookie. The registered
// subject is the session ID.
type Claims struct {
	WizardID string `json:"wid"`
	Verified bool   `json:"verified,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session cookies.
type Manager struct {
	key        []byte
	issuer     string
	cookieName string
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

// NewManager creates a Manager from the session configuration.
func NewManager(cfg config.SessionConfig) (*Manager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("session: signing key must be at least 32 bytes")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	name := cfg.CookieName
	if name == "" {
		name = "drop_wizard"
	}
	return &Manager{
		key:        []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		cookieName: name,
		ttl:        ttl,
		secure:     cfg.Secure,
		now:        time.Now,
	}, nil
}

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string { return m.cookieName }

// Issue signs a token for state.
func (m *Manager) Issue(state model.WizardState) (string, error) {
	now := m.now()
	claims := Claims{
		WizardID: state.WizardID,
		Verified: state.Verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   state.SessionID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return token, nil
}

// Parse verifies a token and returns its claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, opts...)
	if err != nil {
		return nil, model.NewUnauthorizedError(classifyJWTError(err))
	}
	if !parsed.Valid || claims.Subject == "" || claims.WizardID == "" {
		return nil, model.NewUnauthorizedError("Invalid session")
	}
	return claims, nil
}

// SetCookie writes the session cookie for state.
func (m *Manager) SetCookie(w http.ResponseWriter, state model.WizardState) error {
	token, err := m.Issue(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest reads and verifies the session cookie.
func (m *Manager) FromRequest(r *http.Request) (*Claims, error) {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return nil, model.NewUnauthorizedError("Missing session cookie")
	}
	return m.Parse(c.Value)
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Session expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid session issuer"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid session signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unverifiable session"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed session"
	default:
		return "Invalid session"
	}
}

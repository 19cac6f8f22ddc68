package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no valid acting identity is available.
// Mutating operations fail fast on it and are never queued.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the token payload issued by the account service.
type Claims struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Identity is the acting user attached to every write.
type Identity struct {
	MemberID    string
	DisplayName string
}

// Provider resolves the acting identity from the profile's token file. The
// signature is verified server-side; locally we extract claims and reject
// missing or expired tokens before any network attempt.
type Provider struct {
	tokenPath string
	now       func() time.Time
}

// NewProvider creates a provider reading the token at tokenPath.
func NewProvider(tokenPath string) *Provider {
	return &Provider{tokenPath: tokenPath, now: time.Now}
}

// Token returns the raw bearer token for gateway requests.
func (p *Provider) Token() (string, error) {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no token at %s", ErrUnauthenticated, p.tokenPath)
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: empty token file", ErrUnauthenticated)
	}
	return token, nil
}

// Identity parses the token and returns the acting identity. Expired or
// malformed tokens fail with ErrUnauthenticated.
func (p *Provider) Identity() (*Identity, error) {
	raw, err := p.Token()
	if err != nil {
		return nil, err
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrUnauthenticated, err)
	}
	if claims.MemberID == "" {
		return nil, fmt.Errorf("%w: token has no member_id", ErrUnauthenticated)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && p.now().After(exp.Time) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrUnauthenticated, exp.Time.Format(time.RFC3339))
	}
	return &Identity{MemberID: claims.MemberID, DisplayName: claims.DisplayName}, nil
}

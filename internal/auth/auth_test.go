package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "token.jwt")
	if err := os.WriteFile(path, []byte(signed+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIdentityFromValidToken(t *testing.T) {
	path := writeToken(t, Claims{
		MemberID:    "member-7",
		DisplayName: "Sam the Sparky",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	p := NewProvider(path)

	id, err := p.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if id.MemberID != "member-7" || id.DisplayName != "Sam the Sparky" {
		t.Errorf("identity = %+v", id)
	}
}

func TestMissingTokenFailsFast(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "missing.jwt"))
	_, err := p.Identity()
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestExpiredTokenFailsFast(t *testing.T) {
	path := writeToken(t, Claims{
		MemberID: "member-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	p := NewProvider(path)
	_, err := p.Identity()
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestTokenWithoutMemberIDRejected(t *testing.T) {
	path := writeToken(t, Claims{})
	p := NewProvider(path)
	_, err := p.Identity()
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.jwt")
	if err := os.WriteFile(path, []byte("not-a-jwt"), 0600); err != nil {
		t.Fatal(err)
	}
	p := NewProvider(path)
	_, err := p.Identity()
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

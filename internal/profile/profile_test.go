package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("default")
	want := filepath.Join(home, ".crewline", "profiles", "default")
	if got != want {
		t.Errorf("Dir(default) = %q, want %q", got, want)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("site")
	if !strings.HasSuffix(got, filepath.Join("profiles", "site", "crewlined.sock")) {
		t.Errorf("SocketPath(site) = %q, want suffix profiles/site/crewlined.sock", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "crew7", false},
		{"valid with hyphen", "north-site", false},
		{"valid with underscore", "north_site", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"slash", "my/profile", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve(override) = %q, want override", got)
	}
}

package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBaseDirDefault(t *testing.T) {
	t.Setenv(EnvDataDir, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".wabridge"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestBaseDirFromEnv(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/wabridge")
	if got := BaseDir(); got != "/srv/wabridge" {
		t.Errorf("BaseDir() = %q, want /srv/wabridge", got)
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("/d"), "wabridge.sock"},
		{"lock", LockPath("/d"), "LOCK"},
		{"devices", DeviceDBPath("/d"), "devices.db"},
		{"app db", AppDBPath("/d"), "wabridge.db"},
		{"log", LogPath("/d"), filepath.Join("logs", "wabridged.log")},
		{"config", ConfigPath("/d"), "config.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasPrefix(tt.got, "/d") || !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s path = %q, want /d/.../%s", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir(dir))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"42", false},
		{"clinic_7-a", false},
		{"UserABC", false},
		{"", true},
		{"../etc", true},
		{"has space", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

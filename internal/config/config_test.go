package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(mapBackend{"upload.credential_url": "https://api.example/credential"})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4810 {
		t.Errorf("port = %d, want 4810", cfg.Server.Port)
	}
	if cfg.Capture.Command != "pw-record" {
		t.Errorf("capture command = %q", cfg.Capture.Command)
	}
	if cfg.Capture.SegmentSeconds != 30 {
		t.Errorf("segment seconds = %v, want 30", cfg.Capture.SegmentSeconds)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadFromBackend(t *testing.T) {
	cfg, err := loadWith(mapBackend{
		"server.port":             9000,
		"capture.segment_seconds": "45.5",
		"capture.target":          "alsa_input.usb",
		"upload.credential_url":   "https://api.example/credential",
		"upload.token":            "tok",
		"log.level":               "debug",
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Capture.SegmentSeconds != 45.5 {
		t.Errorf("segment seconds = %v", cfg.Capture.SegmentSeconds)
	}
	if cfg.Capture.Target != "alsa_input.usb" {
		t.Errorf("target = %q", cfg.Capture.Target)
	}
	if cfg.Upload.Token != "tok" {
		t.Errorf("token = %q", cfg.Upload.Token)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("VOXLOG_SERVER_PORT", "4900")
	t.Setenv("VOXLOG_UPLOAD_CREDENTIAL_URL", "https://env.example/credential")
	t.Setenv("VOXLOG_CAPTURE_SEGMENT_SECONDS", "10")

	cfg, err := loadWith(mapBackend{
		"server.port":           8000,
		"upload.credential_url": "https://file.example/credential",
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4900 {
		t.Errorf("port = %d, want env override 4900", cfg.Server.Port)
	}
	if cfg.Upload.CredentialURL != "https://env.example/credential" {
		t.Errorf("credential url = %q, want env override", cfg.Upload.CredentialURL)
	}
	if cfg.Capture.SegmentSeconds != 10 {
		t.Errorf("segment seconds = %v, want 10", cfg.Capture.SegmentSeconds)
	}
}

func TestMissingCredentialURL(t *testing.T) {
	_, err := loadWith(mapBackend{})
	if err == nil {
		t.Fatal("loadWith accepted a config without a credential URL")
	}
	if !strings.Contains(err.Error(), "credential") {
		t.Errorf("error %q does not name the missing key", err)
	}
}

func TestInvalidSegmentSeconds(t *testing.T) {
	_, err := loadWith(mapBackend{
		"upload.credential_url":   "https://api.example/credential",
		"capture.segment_seconds": "-5",
	})
	if err == nil {
		t.Fatal("loadWith accepted a negative segment duration")
	}
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"server.port": 5000,
		"upload.credential_url": "https://api.example/credential",
		"capture.segment_seconds": "20"
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Capture.SegmentSeconds != 20 {
		t.Errorf("segment seconds = %v, want 20", cfg.Capture.SegmentSeconds)
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	// A missing config file is fine; defaults apply.
	b := newFileBackend(filepath.Join(t.TempDir(), "nope.json"))
	_, ok, err := b.GetString("server.port")
	if err != nil || ok {
		t.Errorf("GetString on missing file = (%v, %v)", ok, err)
	}
}

func TestClientIDPersists(t *testing.T) {
	dir := t.TempDir()
	n := 0
	gen := func() string { n++; return "generated-id" }

	id1, err := ClientID(dir, gen)
	if err != nil {
		t.Fatalf("ClientID: %v", err)
	}
	id2, err := ClientID(dir, gen)
	if err != nil {
		t.Fatalf("ClientID: %v", err)
	}
	if id1 != "generated-id" || id2 != id1 {
		t.Errorf("ids = %q, %q", id1, id2)
	}
	if n != 1 {
		t.Errorf("generate called %d times, want 1", n)
	}
}

func TestAPIToken(t *testing.T) {
	dir := t.TempDir()

	// No token and no generator: the CLI case, must error.
	if _, err := APIToken(dir, nil); err == nil {
		t.Error("APIToken with nil generate found a token in an empty dir")
	}

	tok, err := APIToken(dir, func() string { return "minted" })
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if tok != "minted" {
		t.Errorf("token = %q", tok)
	}

	// Now the persisted token satisfies the nil-generate case.
	tok2, err := APIToken(dir, nil)
	if err != nil {
		t.Fatalf("APIToken second read: %v", err)
	}
	if tok2 != "minted" {
		t.Errorf("token = %q, want persisted value", tok2)
	}

	t.Setenv("VOXLOG_API_TOKEN", "from-env")
	tok3, err := APIToken(dir, nil)
	if err != nil {
		t.Fatalf("APIToken with env: %v", err)
	}
	if tok3 != "from-env" {
		t.Errorf("token = %q, want env override", tok3)
	}
}

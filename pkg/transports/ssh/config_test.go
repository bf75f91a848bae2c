package ssh

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/plan"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	// Content is never parsed by Validate, only stat'd.
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("test-key"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	cfg := DefaultConfig("web-1.example.com", "deploy")
	cfg.PrivateKeyPath = keyPath
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Host = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"missing user", func(c *Config) { c.User = "" }},
		{"password auth without password", func(c *Config) { c.AuthMethod = AuthMethodPassword }},
		{"unknown auth method", func(c *Config) { c.AuthMethod = "kerberos" }},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }},
		{"proxy without user", func(c *Config) { c.ProxyHost = "bastion"; c.ProxyUser = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("web-1.example.com", "deploy")
			cfg.PrivateKeyPath = keyPath
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation to fail")
			}
		})
	}
}

func TestConfigForHost(t *testing.T) {
	base := DefaultConfig("", "deploy")
	base.ConnectionTimeout = 10 * time.Second

	h := &plan.Host{ID: "web-1", Address: "10.0.0.5", Port: 2222, User: "ops"}
	cfg := ConfigForHost(h, base)
	if cfg.Host != "10.0.0.5" || cfg.Port != 2222 || cfg.User != "ops" {
		t.Fatalf("unexpected host config: %+v", cfg)
	}
	if cfg.ConnectionTimeout != 10*time.Second {
		t.Fatalf("expected base timeout to carry over, got: %v", cfg.ConnectionTimeout)
	}

	// Host without overrides inherits base values.
	h2 := &plan.Host{ID: "web-2", Address: "10.0.0.6"}
	cfg2 := ConfigForHost(h2, base)
	if cfg2.Port != 22 || cfg2.User != "deploy" {
		t.Fatalf("expected defaults for unset fields, got: %+v", cfg2)
	}
}

func TestTransportErrorClassify(t *testing.T) {
	temp := &TransportError{Op: "upload", Err: errors.New("connection reset"), IsTemporary: true}
	if !errdefs.IsTransient(temp.Classify()) {
		t.Fatal("expected temporary transport error to classify transient")
	}

	perm := &TransportError{Op: "exec", Err: errors.New("command exited with code 1")}
	if !errdefs.IsPermanent(perm.Classify()) {
		t.Fatal("expected non-temporary transport error to classify permanent")
	}

	var e *errdefs.Error
	if !errors.As(perm.Classify(), &e) || e.Code != errdefs.CodeTransferFailed {
		t.Fatalf("expected transfer failure code, got: %v", perm.Classify())
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/opt/planforge/runner"); got != "'/opt/planforge/runner'" {
		t.Fatalf("unexpected quoting: %s", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("unexpected quoting of embedded quote: %s", got)
	}
}

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWSURLFromAPI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:5000", want: "ws://127.0.0.1:5000/ws"},
		{in: "https://chat.example.com", want: "wss://chat.example.com/ws"},
		{in: "https://chat.example.com/api/", want: "wss://chat.example.com/api/ws"},
		{in: "http://localhost:5000?x=1#frag", want: "ws://localhost:5000/ws"},
		{in: "ftp://chat.example.com", wantErr: true},
		{in: "127.0.0.1:5000", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := wsURLFromAPI(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURLFromAPI(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLFromAPI(%q) err=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLFromAPI(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"CHATSYNC_API_URL", "CHATSYNC_WS_URL", "CHATSYNC_TYPING_IDLE",
		"CHATSYNC_STUB_CONVERSATIONS", "CHATSYNC_CORS_ALLOWED_ORIGINS", "CHATSYNC_CRED_SCHEMA",
	} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "http://localhost:5000" || cfg.WSURL != "ws://localhost:5000/ws" {
		t.Fatalf("endpoints: api=%q ws=%q", cfg.APIURL, cfg.WSURL)
	}
	if cfg.TypingIdle != 2*time.Second {
		t.Fatalf("TypingIdle=%v want=2s", cfg.TypingIdle)
	}
	if !cfg.StubConversations {
		t.Fatalf("StubConversations should default to true")
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.CredSchema != "chatsync" {
		t.Fatalf("CredSchema=%q", cfg.CredSchema)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CHATSYNC_API_URL", "https://chat.example.com/")
	t.Setenv("CHATSYNC_WS_URL", "")
	t.Setenv("CHATSYNC_TYPING_IDLE", "750ms")
	t.Setenv("CHATSYNC_STUB_CONVERSATIONS", "false")
	t.Setenv("CHATSYNC_CORS_ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com ")
	t.Setenv("CHATSYNC_WS_RATE_EVENTS", "-3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "https://chat.example.com" {
		t.Fatalf("APIURL=%q", cfg.APIURL)
	}
	if cfg.WSURL != "wss://chat.example.com/ws" {
		t.Fatalf("WSURL=%q", cfg.WSURL)
	}
	if cfg.TypingIdle != 750*time.Millisecond {
		t.Fatalf("TypingIdle=%v", cfg.TypingIdle)
	}
	if cfg.StubConversations {
		t.Fatalf("StubConversations override ignored")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateEvents != 100 {
		t.Fatalf("invalid RateEvents should fall back, got %d", cfg.RateEvents)
	}
}

func TestLoadConfig_InvalidAPIURL(t *testing.T) {
	t.Setenv("CHATSYNC_API_URL", "chat.example.com")
	t.Setenv("CHATSYNC_WS_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for schemeless api url")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CHATSYNC_DOTENV_A=from_file\nCHATSYNC_DOTENV_B=from_file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("CHATSYNC_DOTENV_B", "from_env")
	// Registered so t.Setenv restores it after LoadDotEnv sets it.
	t.Setenv("CHATSYNC_DOTENV_A", "")
	if err := os.Unsetenv("CHATSYNC_DOTENV_A"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CHATSYNC_DOTENV_A"); got != "from_file" {
		t.Fatalf("A=%q want=from_file", got)
	}
	if got := os.Getenv("CHATSYNC_DOTENV_B"); got != "from_env" {
		t.Fatalf("B=%q want=from_env", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{APIURL: "http://chat.example.com", WSURL: "ws://chat.example.com/ws"}},
		{name: "sealed required without passphrase", cfg: Config{RequireSealedCred: true}, wantErr: true},
		{name: "short passphrase", cfg: Config{CredPassphrase: "short"}, wantErr: true},
		{name: "good passphrase", cfg: Config{CredPassphrase: "correct horse battery"}},
		{
			name:    "tls required plaintext api",
			cfg:     Config{RequireTLS: true, APIURL: "http://chat.example.com", WSURL: "wss://chat.example.com/ws"},
			wantErr: true,
		},
		{
			name:    "tls required plaintext ws",
			cfg:     Config{RequireTLS: true, APIURL: "https://chat.example.com", WSURL: "ws://chat.example.com/ws"},
			wantErr: true,
		},
		{
			name: "tls required loopback exempt",
			cfg:  Config{RequireTLS: true, APIURL: "http://127.0.0.1:5000", WSURL: "ws://localhost:5000/ws"},
		},
		{
			name: "tls required secure",
			cfg:  Config{RequireTLS: true, APIURL: "https://chat.example.com", WSURL: "wss://chat.example.com/ws"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSecurityConfig(tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateSecurityConfig err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

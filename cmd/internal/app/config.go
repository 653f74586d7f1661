package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"chatsync/cmd/security/passphrase"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string

	// Server endpoints.
	APIURL   string
	WSURL    string
	WSOrigin string

	HTTPTimeout       time.Duration
	WSDialTimeout     time.Duration
	WSWriteTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration

	TypingIdle        time.Duration
	StubConversations bool
	Notify            string

	// Local loopback surface. Empty ListenAddr disables it.
	ListenAddr           string
	ReadHeaderTimeout    time.Duration
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Credential store: Postgres wins over SQLite, memory is the fallback.
	CredDatabaseURL   string
	CredSchema        string
	CredDBMaxConns    int32
	CredDBMinConns    int32
	CredSQLitePath    string
	CredPassphrase    string
	RequireSealedCred bool
	Passphrase        passphrase.Config

	// RequireTLS rejects plaintext server endpoints.
	RequireTLS bool

	AuthToken string
	Username  string
	Password  string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		LogLevel:  EnvString("CHATSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATSYNC_LOG_FORMAT", "json"),

		APIURL:   strings.TrimRight(EnvString("CHATSYNC_API_URL", "http://localhost:5000"), "/"),
		WSURL:    EnvString("CHATSYNC_WS_URL", ""),
		WSOrigin: EnvString("CHATSYNC_WS_ORIGIN", ""),

		HTTPTimeout:       EnvDuration("CHATSYNC_HTTP_TIMEOUT", 10*time.Second),
		WSDialTimeout:     EnvDuration("CHATSYNC_WS_DIAL_TIMEOUT", 10*time.Second),
		WSWriteTimeout:    EnvDuration("CHATSYNC_WS_WRITE_TIMEOUT", 5*time.Second),
		HeartbeatInterval: EnvDuration("CHATSYNC_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  EnvDuration("CHATSYNC_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		RateEvents:        EnvInt("CHATSYNC_WS_RATE_EVENTS", 100),
		RateWindow:        EnvDuration("CHATSYNC_WS_RATE_WINDOW", 10*time.Second),

		TypingIdle:        EnvDuration("CHATSYNC_TYPING_IDLE", 2*time.Second),
		StubConversations: EnvBool("CHATSYNC_STUB_CONVERSATIONS", true),
		Notify:            EnvString("CHATSYNC_NOTIFY", "log"),

		ListenAddr:           EnvString("CHATSYNC_LISTEN_ADDR", "127.0.0.1:7070"),
		ReadHeaderTimeout:    EnvDuration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		CORSAllowedOrigins:   EnvList("CHATSYNC_CORS_ALLOWED_ORIGINS", []string{"http://127.0.0.1:*", "http://localhost:*"}),
		CORSAllowCredentials: EnvBool("CHATSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHATSYNC_CORS_MAX_AGE", 600),

		CredDatabaseURL:   EnvString("CHATSYNC_CRED_DATABASE_URL", ""),
		CredSchema:        EnvString("CHATSYNC_CRED_SCHEMA", "chatsync"),
		CredDBMaxConns:    EnvInt32("CHATSYNC_CRED_DB_MAX_CONNS", 4),
		CredDBMinConns:    EnvInt32("CHATSYNC_CRED_DB_MIN_CONNS", 0),
		CredSQLitePath:    EnvString("CHATSYNC_CRED_SQLITE_PATH", ""),
		CredPassphrase:    EnvString("CHATSYNC_CRED_PASSPHRASE", ""),
		RequireSealedCred: EnvBool("CHATSYNC_CRED_REQUIRE_SEALED", false),

		RequireTLS: EnvBool("CHATSYNC_REQUIRE_TLS", false),

		AuthToken: EnvString("CHATSYNC_AUTH_TOKEN", ""),
		Username:  EnvString("CHATSYNC_USERNAME", ""),
		Password:  EnvString("CHATSYNC_PASSWORD", ""),
	}

	pp, err := passphrase.FromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Passphrase = pp

	if cfg.WSURL == "" {
		ws, err := wsURLFromAPI(cfg.APIURL)
		if err != nil {
			return Config{}, err
		}
		cfg.WSURL = ws
	}
	return cfg, nil
}

// wsURLFromAPI derives the realtime endpoint: http->ws, https->wss, path /ws.
func wsURLFromAPI(api string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(api))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("config: invalid CHATSYNC_API_URL %q", api)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("config: CHATSYNC_API_URL must be http or https, got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

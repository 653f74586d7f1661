package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"chatsync/cmd/security/passphrase"
)

// ValidateSecurityConfig enforces the client's security policy at startup.
// Fail-fast: a misconfigured credential store or endpoint is never silently downgraded.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireSealedCred && cfg.CredPassphrase == "" {
		return errors.New("security policy: CHATSYNC_CRED_REQUIRE_SEALED=true but CHATSYNC_CRED_PASSPHRASE is missing")
	}
	if cfg.CredPassphrase != "" {
		if err := passphraseConfig(cfg).Validate(cfg.CredPassphrase); err != nil {
			return fmt.Errorf("security policy: CHATSYNC_CRED_PASSPHRASE rejected: %w", err)
		}
	}

	if !cfg.RequireTLS {
		return nil
	}
	if err := requireSecure(cfg.APIURL, "https"); err != nil {
		return err
	}
	return requireSecure(cfg.WSURL, "wss")
}

// requireSecure allows plaintext only for loopback hosts.
func requireSecure(raw, scheme string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == scheme || isLoopback(u.Hostname()) {
		return nil
	}
	return errors.New("security policy: CHATSYNC_REQUIRE_TLS=true but " + raw + " is not " + scheme)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func passphraseConfig(cfg Config) passphrase.Config {
	if cfg.Passphrase.IsZero() {
		return passphrase.DefaultConfig()
	}
	return cfg.Passphrase
}

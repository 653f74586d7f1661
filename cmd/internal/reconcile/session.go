package reconcile

import (
	"context"
	"errors"
	"fmt"

	"chatsync/cmd/internal/api"
	"chatsync/cmd/internal/chatstore"
)

// Bootstrap brings the engine up: session, profile, chat list, channel, group joins.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	if err := r.ensureSession(ctx); err != nil {
		return err
	}

	profile, err := r.backend.FetchProfile(ctx)
	if err != nil {
		r.fault("fetch_profile", "", err)
		return fmt.Errorf("reconcile: fetch profile: %w", err)
	}
	local := profile.UserID()
	if local == "" {
		return errors.New("reconcile: profile has no id")
	}
	r.store.SetLocalUser(local)
	r.tracker.SetLocalUser(local)
	r.log.Info("sync.identity", "user_id", local, "username", profile.Username)

	if err := r.RefreshChatList(ctx); err != nil {
		return fmt.Errorf("reconcile: fetch chat list: %w", err)
	}

	if err := r.channel.Connect(ctx, local); err != nil {
		r.fault("connect", "", err)
		return fmt.Errorf("reconcile: connect: %w", err)
	}
	r.joinGroups(ctx)

	r.log.Info("sync.bootstrap.ok", "user_id", local, "conversations", len(r.store.Conversations()))
	return nil
}

// ensureSession makes sure a valid token is stored, logging in with the
// configured credentials when needed.
func (r *Reconciler) ensureSession(ctx context.Context) error {
	if r.tokens == nil {
		return nil
	}
	tok, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: read token: %w", err)
	}
	if tok != "" {
		valid, err := r.ValidateSession(ctx)
		if err != nil {
			return err
		}
		if valid {
			return nil
		}
	}

	if r.opts.Username == "" || r.opts.Password == "" {
		return ErrNoSession
	}
	_, err = r.Login(ctx, r.opts.Username, r.opts.Password)
	return err
}

// Login exchanges credentials for a token and stores it.
func (r *Reconciler) Login(ctx context.Context, username, password string) (api.Profile, error) {
	res, err := r.backend.Login(ctx, username, password)
	if err != nil {
		r.log.Warn("auth.login.fail", "username", username, "err", err)
		return api.Profile{}, err
	}
	if r.tokens != nil {
		if err := r.tokens.Save(ctx, res.Token); err != nil {
			return api.Profile{}, fmt.Errorf("reconcile: save token: %w", err)
		}
	}
	if id := res.User.UserID(); id != "" {
		r.store.SetLocalUser(id)
		r.tracker.SetLocalUser(id)
	}
	r.log.Info("auth.login.ok", "user_id", res.User.UserID(), "username", username)
	return res.User, nil
}

// Reconnect redials the channel as the bound identity. Groups joined on the
// previous channel are rejoined by the channel itself.
func (r *Reconciler) Reconnect(ctx context.Context) error {
	if err := r.channel.Reconnect(ctx); err != nil {
		r.fault("reconnect", "", err)
		return fmt.Errorf("reconcile: reconnect: %w", err)
	}
	r.log.Info("sync.reconnect.ok", "user_id", r.store.LocalUser())
	return nil
}

// ValidateSession asks the server whether the stored token is still good.
// A rejected token is removed from the credential store.
func (r *Reconciler) ValidateSession(ctx context.Context) (bool, error) {
	valid, err := r.backend.ValidateToken(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: validate token: %w", err)
	}
	if !valid && r.tokens != nil {
		if err := r.tokens.Clear(ctx); err != nil {
			r.log.Warn("auth.token.clear_fail", "err", err)
		}
		r.log.Info("auth.token.invalid")
	}
	return valid, nil
}

// Logout drops the channel, all local state and the stored token.
func (r *Reconciler) Logout(ctx context.Context) error {
	local := r.store.LocalUser()
	r.channel.Reset()
	r.tracker.Reset()
	r.store.Reset()

	r.mu.Lock()
	r.searched = make(map[string]chatstore.Conversation)
	r.mu.Unlock()

	r.log.Info("auth.logout", "user_id", local)
	if r.tokens == nil {
		return nil
	}
	return r.tokens.Clear(ctx)
}

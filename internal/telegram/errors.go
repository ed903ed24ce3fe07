package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// RPC error types that mean the stored credential can no longer be used.
var reauthErrorTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_PERM_EMPTY",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"SESSION_PASSWORD_NEEDED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// RPC error types that mean the application identity itself is wrong.
var configErrorTypes = []string{
	"API_ID_INVALID",
	"API_ID_PUBLISHED_FLOOD",
	"PHONE_NUMBER_INVALID",
	"PHONE_NUMBER_BANNED",
}

// classify maps a gotd error onto the session error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if session.Kind(err) != session.ErrTransient || errors.Is(err, session.ErrTransient) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &session.RateLimitError{RetryAfter: d}
	}
	if tgerr.Is(err, reauthErrorTypes...) || errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return fmt.Errorf("%w: %w", session.ErrNeedsReauth, err)
	}
	if tgerr.Is(err, configErrorTypes...) {
		return fmt.Errorf("%w: %w", session.ErrConfigInvalid, err)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: corrupted session file: %w", session.ErrNeedsReauth, err)
	}
	return fmt.Errorf("%w: %w", session.ErrTransient, err)
}

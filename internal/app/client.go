package app

import (
	"errors"
	"fmt"

	intrnl "roomchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration. A
// missing user id is loaded from (or written to) DefaultUserIDPath so the
// server sees the same identity across runs.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.UserID == "" {
		id, err := LoadOrCreateUserID(DefaultUserIDPath())
		if err != nil {
			return fmt.Errorf("load user id: %w", err)
		}
		cfg.UserID = id
	}
	return intrnl.RunClient(cfg.ServerURL, cfg.RoomKey, cfg.Username, cfg.UserID)
}

package internal

import (
	"context"
	"errors"

	"parley/internal/storage"
)

var ErrInvalidTheme = errors.New("theme must be light, dark, or system")

// SettingsSource resolves a user's preferences. Missing rows come back as
// storage.DefaultSettings.
type SettingsSource interface {
	GetSettings(ctx context.Context, userID string) (storage.Settings, error)
}

// SettingsUpdate is a partial update; nil fields keep their current value.
type SettingsUpdate struct {
	ReadReceiptsEnabled     *bool   `json:"readReceiptsEnabled"`
	OnlineStatusVisible     *bool   `json:"onlineStatusVisible"`
	TypingIndicatorsEnabled *bool   `json:"typingIndicatorsEnabled"`
	NotificationsEnabled    *bool   `json:"notificationsEnabled"`
	Theme                   *string `json:"theme"`
}

func (update SettingsUpdate) Apply(current storage.Settings) (storage.Settings, error) {
	if update.Theme != nil {
		switch *update.Theme {
		case "light", "dark", "system":
			current.Theme = *update.Theme
		default:
			return current, ErrInvalidTheme
		}
	}
	if update.ReadReceiptsEnabled != nil {
		current.ReadReceiptsEnabled = *update.ReadReceiptsEnabled
	}
	if update.OnlineStatusVisible != nil {
		current.OnlineStatusVisible = *update.OnlineStatusVisible
	}
	if update.TypingIndicatorsEnabled != nil {
		current.TypingIndicatorsEnabled = *update.TypingIndicatorsEnabled
	}
	if update.NotificationsEnabled != nil {
		current.NotificationsEnabled = *update.NotificationsEnabled
	}
	return current, nil
}

func settingsOf(ctx context.Context, source SettingsSource, userID string) (storage.Settings, error) {
	if source == nil {
		return storage.DefaultSettings(), nil
	}
	return source.GetSettings(ctx, userID)
}

package notify

import (
	"context"

	"github.com/rodovia/alertcore/internal/config"
)

// Directory resolves who a channel reaches in a given escalation round
type Directory interface {
	Recipients(ctx context.Context, channel string, round int) ([]string, error)
}

// StaticDirectory serves the recipients section of the rules file
type StaticDirectory struct {
	entries map[string]config.RecipientsByRound
}

// NewStaticDirectory creates a directory from per-channel recipient lists
func NewStaticDirectory(entries map[string]config.RecipientsByRound) *StaticDirectory {
	if entries == nil {
		entries = map[string]config.RecipientsByRound{}
	}
	return &StaticDirectory{entries: entries}
}

// Recipients returns the round override when one exists, otherwise the channel default
func (d *StaticDirectory) Recipients(_ context.Context, channel string, round int) ([]string, error) {
	entry, ok := d.entries[channel]
	if !ok {
		return nil, nil
	}
	if r, ok := entry.Rounds[round]; ok {
		return r, nil
	}
	return entry.Default, nil
}

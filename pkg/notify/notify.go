// Package notify persists notification preferences and delivers fate
// notifications. Delivery is fire-and-forget; a lost notification never
// blocks or undoes a fate.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// PreferenceStore persists submitter notification preferences.
type PreferenceStore interface {
	Save(ctx context.Context, pref contracts.NotificationPreference) error
	Get(ctx context.Context, petitionID string) (*contracts.NotificationPreference, error)
}

// Notifier delivers a fate notification. Implementations must not
// block the caller for long; errors are for logging only.
type Notifier interface {
	NotifyFate(ctx context.Context, p *contracts.Petition) error
}

// MemoryPreferenceStore is the in-memory PreferenceStore.
type MemoryPreferenceStore struct {
	mu    sync.Mutex
	prefs map[string]contracts.NotificationPreference
}

// NewMemoryPreferenceStore creates an empty store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]contracts.NotificationPreference)}
}

func (s *MemoryPreferenceStore) Save(_ context.Context, pref contracts.NotificationPreference) error {
	if pref.PetitionID == "" {
		return fault.New(fault.KindValidation, "notification preference requires petition_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[pref.PetitionID] = pref
	return nil
}

func (s *MemoryPreferenceStore) Get(_ context.Context, petitionID string) (*contracts.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref, ok := s.prefs[petitionID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "no notification preference for petition %s", petitionID)
	}
	return &pref, nil
}

// LogNotifier writes notifications to the structured log. The default
// delivery channel until an outbound transport is configured.
type LogNotifier struct {
	prefs  PreferenceStore
	logger *slog.Logger
}

// NewLogNotifier builds a notifier over the preference store.
func NewLogNotifier(prefs PreferenceStore, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{prefs: prefs, logger: logger}
}

func (n *LogNotifier) NotifyFate(ctx context.Context, p *contracts.Petition) error {
	attrs := []any{
		"petition_id", p.ID,
		"state", p.State,
	}
	if p.FateReason != "" {
		attrs = append(attrs, "fate_reason", p.FateReason)
	}
	if n.prefs != nil {
		if pref, err := n.prefs.Get(ctx, p.ID); err == nil {
			attrs = append(attrs, "channel", pref.Channel, "endpoint", pref.Endpoint)
		}
	}
	n.logger.Info("fate notification", attrs...)
	return nil
}

var (
	_ PreferenceStore = (*MemoryPreferenceStore)(nil)
	_ Notifier        = (*LogNotifier)(nil)
)

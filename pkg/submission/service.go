// Package submission is the public write surface for citizens: submit,
// co-sign, and withdraw petitions. Everything here passes the halt gate
// before touching state.
package submission

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/notify"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/statemachine"
	"github.com/Moirai-Labs/fates/core/pkg/threshold"
)

// SubmitRequest carries one petition submission.
type SubmitRequest struct {
	Type        contracts.PetitionType
	Text        string
	Realm       string
	SubmitterID string
	// Notification is persisted best-effort; nil means no preference.
	Notification *contracts.NotificationPreference
}

// CoSignResult reports a co-signature and any escalation it caused.
type CoSignResult struct {
	CoSignerCount int
	Escalated     bool
	EscalationID  string
}

// Service implements the submission operations.
type Service struct {
	store       petition.Store
	events      eventledger.Writer
	coordinator *fate.Coordinator
	halt        haltgate.Checker
	realms      *RealmRegistry
	prefs       notify.PreferenceStore
	notifier    notify.Notifier
	threshold   *threshold.Executor
	thresholds  threshold.Table
	observer    func(ctx context.Context, petitionType contracts.PetitionType, realm string)
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService wires the submission service.
func NewService(store petition.Store, events eventledger.Writer, coordinator *fate.Coordinator, halt haltgate.Checker, realms *RealmRegistry) *Service {
	if realms == nil {
		realms = NewRealmRegistry(DefaultRealm)
	}
	return &Service{
		store:       store,
		events:      events,
		coordinator: coordinator,
		halt:        halt,
		realms:      realms,
		thresholds:  threshold.DefaultTable(),
		logger:      slog.Default(),
		clock:       time.Now,
	}
}

// WithPreferences attaches a notification preference store.
func (s *Service) WithPreferences(prefs notify.PreferenceStore) *Service {
	s.prefs = prefs
	return s
}

// WithNotifier attaches a fate notifier.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithThreshold attaches the auto-escalation executor consulted on
// every co-signature.
func (s *Service) WithThreshold(t *threshold.Executor) *Service {
	s.threshold = t
	return s
}

// WithThresholds overrides the escalation threshold table.
func (s *Service) WithThresholds(t threshold.Table) *Service {
	if t != nil {
		s.thresholds = t
	}
	return s
}

// WithObserver registers a callback fired after each accepted
// submission, used for metrics.
func (s *Service) WithObserver(fn func(ctx context.Context, petitionType contracts.PetitionType, realm string)) *Service {
	s.observer = fn
	return s
}

// WithLogger overrides the default logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Submit validates and persists a new petition in RECEIVED. The
// petition is durable once saved; the received event and notification
// preference are best-effort afterthoughts.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*contracts.Petition, error) {
	if err := haltgate.Guard(s.halt); err != nil {
		return nil, err
	}
	if !contracts.ValidPetitionType(req.Type) {
		return nil, fault.New(fault.KindValidation, "unknown petition type %q", req.Type)
	}

	text := norm.NFC.String(req.Text)
	length := utf8.RuneCountInString(text)
	if strings.TrimSpace(text) == "" {
		return nil, fault.New(fault.KindValidation, "petition text is required")
	}
	if length > contracts.MaxPetitionTextLength {
		return nil, fault.New(fault.KindValidation,
			"petition text is %d characters, maximum is %d", length, contracts.MaxPetitionTextLength)
	}

	realm, err := s.realms.Resolve(req.Realm)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	digest := hashing.Hash([]byte(text))
	p := &contracts.Petition{
		ID:          contracts.NewID(),
		Type:        req.Type,
		Text:        text,
		State:       contracts.StateReceived,
		ContentHash: digest[:],
		Realm:       realm,
		SubmitterID: req.SubmitterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}

	if req.Notification != nil && s.prefs != nil {
		pref := *req.Notification
		pref.PetitionID = p.ID
		pref.SubmitterID = req.SubmitterID
		pref.CreatedAt = now
		if err := s.prefs.Save(ctx, pref); err != nil {
			s.logger.Warn("notification preference not saved",
				"petition_id", p.ID, "error", err)
		}
	}

	if s.events != nil {
		_, err := s.events.Write(ctx, contracts.EventPetitionReceived, map[string]any{
			"petition_id":   p.ID,
			"petition_type": string(p.Type),
			"realm":         p.Realm,
			"content_hash":  hashing.Format(digest),
		})
		if err != nil {
			// Submission is already durable; the event is advisory here.
			s.logger.Warn("received event not emitted", "petition_id", p.ID, "error", err)
		}
	}

	if s.observer != nil {
		s.observer(ctx, p.Type, p.Realm)
	}
	s.logger.Info("petition submitted",
		"petition_id", p.ID, "type", p.Type, "realm", p.Realm,
		"anonymous", p.Anonymous())
	return p, nil
}

// Withdraw lets the original submitter retire their own petition.
// Anonymous petitions cannot be withdrawn because ownership cannot be
// proven.
func (s *Service) Withdraw(ctx context.Context, petitionID, requesterID, reason string) (*contracts.Petition, error) {
	if err := haltgate.Guard(s.halt); err != nil {
		return nil, err
	}

	p, err := s.store.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}
	if p.Anonymous() {
		return nil, fault.New(fault.KindUnauthorized, "anonymous petitions cannot be withdrawn")
	}
	if requesterID != p.SubmitterID {
		return nil, fault.New(fault.KindUnauthorized, "only the submitter may withdraw petition %s", petitionID)
	}
	if statemachine.IsTerminal(p.State) {
		return nil, fault.New(fault.KindAlreadyFated, "petition %s is already fated: %s", petitionID, p.State)
	}

	fateReason := string(contracts.ReasonWithdrawn)
	if reason != "" {
		fateReason = fateReason + ": " + reason
	}
	updated, _, err := s.coordinator.AssignFate(ctx, fate.Request{
		PetitionID: petitionID,
		Expected:   p.State,
		Next:       contracts.StateAcknowledged,
		Actor:      requesterID,
		FateReason: fateReason,
	})
	if err != nil {
		return nil, err
	}

	s.coordinator.EmitSecondary(ctx, contracts.EventPetitionWithdrawn, map[string]any{
		"petition_id":  petitionID,
		"requester_id": requesterID,
	})
	s.notifyFate(ctx, updated)
	return updated, nil
}

// CoSign records a co-signature and escalates if the petition type's
// threshold is now reached.
func (s *Service) CoSign(ctx context.Context, petitionID, signerID string) (*CoSignResult, error) {
	if err := haltgate.Guard(s.halt); err != nil {
		return nil, err
	}
	if signerID == "" {
		return nil, fault.New(fault.KindValidation, "signer id is required")
	}

	count, err := s.store.AddCoSigner(ctx, petitionID, signerID)
	if err != nil {
		return nil, err
	}
	result := &CoSignResult{CoSignerCount: count}

	p, err := s.store.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}

	detection := s.thresholds.Check(p.Type, count)
	if !detection.Reached || s.threshold == nil {
		return result, nil
	}

	outcome, err := s.threshold.Execute(ctx, petitionID, p.Type, count, detection.Threshold, signerID)
	if err != nil {
		// The signature itself is committed; escalation retries on the
		// next signature or via the orphan monitor.
		s.logger.Error("threshold escalation failed",
			"petition_id", petitionID, "count", count, "error", err)
		return result, nil
	}
	if outcome.Triggered || outcome.AlreadyEscalated {
		result.Escalated = true
		result.EscalationID = outcome.EscalationID
	}
	return result, nil
}

// Get returns a petition by id.
func (s *Service) Get(ctx context.Context, petitionID string) (*contracts.Petition, error) {
	return s.store.Get(ctx, petitionID)
}

func (s *Service) notifyFate(ctx context.Context, p *contracts.Petition) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyFate(ctx, p); err != nil {
		s.logger.Warn("fate notification failed", "petition_id", p.ID, "error", err)
	}
}

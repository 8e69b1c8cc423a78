package submission

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/notify"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/threshold"
)

type fixture struct {
	service *Service
	store   petition.Store
	ledger  *eventledger.MemoryLedger
	gate    *haltgate.Gate
	prefs   *notify.MemoryPreferenceStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := petition.NewMemoryStore()
	ledger := eventledger.NewMemoryLedger()
	gate := haltgate.New()
	coordinator, err := fate.NewCoordinator(store, ledger, gate)
	require.NoError(t, err)

	prefs := notify.NewMemoryPreferenceStore()
	realms := NewRealmRegistry("governance", Realm{Name: "trade"}, Realm{Name: "crown", KingID: "king-1"})
	service := NewService(store, ledger, coordinator, gate, realms).
		WithPreferences(prefs).
		WithNotifier(notify.NewLogNotifier(prefs, nil)).
		WithThreshold(threshold.NewExecutor(store, coordinator, gate))

	return &fixture{service: service, store: store, ledger: ledger, gate: gate, prefs: prefs}
}

func TestSubmitPersistsAndEmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{
		Type:        contracts.PetitionTypeGeneral,
		Text:        "repair the aqueduct in the lower quarter",
		SubmitterID: "citizen-1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateReceived, p.State)
	assert.Equal(t, "governance", p.Realm)
	assert.False(t, p.Anonymous())

	digest := hashing.Hash([]byte(p.Text))
	assert.Equal(t, digest[:], p.ContentHash)

	events, err := f.ledger.FindByPetition(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventPetitionReceived, events[0].EventType)
}

func TestSubmitNormalizesText(t *testing.T) {
	f := newFixture(t)

	// e + combining acute composes to the same petition text as é.
	decomposed := "cafe\u0301 licensing"
	composed := "caf\u00e9 licensing"

	a, err := f.service.Submit(context.Background(), SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: decomposed})
	require.NoError(t, err)
	b, err := f.service.Submit(context.Background(), SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: composed})
	require.NoError(t, err)

	assert.Equal(t, composed, a.Text)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Submit(ctx, SubmitRequest{Type: "PLEA", Text: "x"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: "   "})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	long := strings.Repeat("a", contracts.MaxPetitionTextLength+1)
	_, err = f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: long})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: "x", Realm: "atlantis"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	// Exactly at the limit is accepted.
	_, err = f.service.Submit(ctx, SubmitRequest{
		Type: contracts.PetitionTypeGeneral,
		Text: strings.Repeat("a", contracts.MaxPetitionTextLength),
	})
	assert.NoError(t, err)
}

func TestSubmitSavesPreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{
		Type:        contracts.PetitionTypeGeneral,
		Text:        "extend market hours",
		SubmitterID: "citizen-2",
		Notification: &contracts.NotificationPreference{
			Channel:  "webhook",
			Endpoint: "https://example.test/hook",
		},
	})
	require.NoError(t, err)

	pref, err := f.prefs.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "citizen-2", pref.SubmitterID)
	assert.Equal(t, "webhook", pref.Channel)
}

func TestSubmitBlockedWhileHalted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gate.Halt(ctx, "operator", "incident")
	require.NoError(t, err)

	_, err = f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: "x"})
	assert.Equal(t, fault.KindSystemHalted, fault.KindOf(err))
}

func TestWithdrawHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{
		Type: contracts.PetitionTypeGeneral, Text: "close the old mill", SubmitterID: "citizen-1",
	})
	require.NoError(t, err)

	updated, err := f.service.Withdraw(ctx, p.ID, "citizen-1", "resolved privately")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateAcknowledged, updated.State)
	assert.True(t, strings.HasPrefix(updated.FateReason, "WITHDRAWN"))

	events, err := f.ledger.FindByPetition(ctx, p.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, contracts.EventPetitionFated)
	assert.Contains(t, types, contracts.EventPetitionWithdrawn)
}

func TestWithdrawAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon, err := f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: "anonymous plea"})
	require.NoError(t, err)
	_, err = f.service.Withdraw(ctx, anon.ID, "citizen-1", "")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))

	owned, err := f.service.Submit(ctx, SubmitRequest{
		Type: contracts.PetitionTypeGeneral, Text: "owned plea", SubmitterID: "citizen-1",
	})
	require.NoError(t, err)
	_, err = f.service.Withdraw(ctx, owned.ID, "citizen-2", "")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))

	_, err = f.service.Withdraw(ctx, "missing", "citizen-1", "")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestWithdrawAlreadyFated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{
		Type: contracts.PetitionTypeGeneral, Text: "twice withdrawn", SubmitterID: "citizen-1",
	})
	require.NoError(t, err)
	_, err = f.service.Withdraw(ctx, p.ID, "citizen-1", "")
	require.NoError(t, err)

	_, err = f.service.Withdraw(ctx, p.ID, "citizen-1", "")
	assert.Equal(t, fault.KindAlreadyFated, fault.KindOf(err))
}

func TestCoSignCountsWithoutThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGeneral, Text: "no threshold here"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := f.service.CoSign(ctx, p.ID, "signer-"+string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, i+1, result.CoSignerCount)
		assert.False(t, result.Escalated)
	}

	_, err = f.service.CoSign(ctx, p.ID, "signer-a")
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestCoSignEscalatesAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGrievance, Text: "grain tithe is ruinous"})
	require.NoError(t, err)

	var last *CoSignResult
	for i := 0; i < threshold.GrievanceThreshold; i++ {
		last, err = f.service.CoSign(ctx, p.ID, contracts.NewID())
		require.NoError(t, err)
	}
	require.NotNil(t, last)
	assert.Equal(t, threshold.GrievanceThreshold, last.CoSignerCount)
	assert.True(t, last.Escalated)
	assert.NotEmpty(t, last.EscalationID)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, got.State)
	assert.Equal(t, contracts.EscalationSourceCoSignerThreshold, got.EscalationSource)
}

func TestCoSignHonorsConfiguredThresholds(t *testing.T) {
	f := newFixture(t)
	f.service.WithThresholds(threshold.Table{contracts.PetitionTypeGrievance: 2})
	ctx := context.Background()

	p, err := f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGrievance, Text: "grain tithe is ruinous"})
	require.NoError(t, err)

	result, err := f.service.CoSign(ctx, p.ID, contracts.NewID())
	require.NoError(t, err)
	assert.False(t, result.Escalated)

	result, err = f.service.CoSign(ctx, p.ID, contracts.NewID())
	require.NoError(t, err)
	assert.True(t, result.Escalated)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, got.State)

	// A type absent from the table never auto-escalates.
	f.service.WithThresholds(threshold.Table{contracts.PetitionTypeCessation: 3})
	other, err := f.service.Submit(ctx, SubmitRequest{Type: contracts.PetitionTypeGrievance, Text: "tolls again"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		result, err = f.service.CoSign(ctx, other.ID, contracts.NewID())
		require.NoError(t, err)
	}
	assert.False(t, result.Escalated)
}

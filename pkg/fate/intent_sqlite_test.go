package fate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
)

func TestSQLiteIntentStoreRoundtrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteIntentStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	first := Intent{
		ID:         contracts.NewID(),
		PetitionID: "p-1",
		Expected:   contracts.StateDeliberating,
		Next:       contracts.StateAcknowledged,
		Actor:      "archons:archon-1,archon-2",
		FateReason: "ADDRESSED",
		CreatedAt:  time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	second := Intent{
		ID:               contracts.NewID(),
		PetitionID:       "p-2",
		Expected:         contracts.StateDeliberating,
		Next:             contracts.StateEscalated,
		Actor:            "system",
		EscalationSource: contracts.EscalationSourceCoSignerThreshold,
		EscalationRealm:  "crown",
		CreatedAt:        time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	pending, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0])
	assert.Equal(t, second, pending[1])

	require.NoError(t, store.Delete(ctx, first.ID))
	// Deleting a cleared intent is a no-op.
	require.NoError(t, store.Delete(ctx, first.ID))

	pending, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
)

func TestFileStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("snapshot payload")
	hash, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")

	// Same content, same hash, no error.
	again, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, hash))
	exists, err = store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStoreRejectsMalformedHash(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "md5:abcd")
	assert.Error(t, err)
	_, err = store.Get(ctx, "sha256:not-hex")
	assert.Error(t, err)
}

func TestExportBundlesLedger(t *testing.T) {
	ctx := context.Background()
	ledger := eventledger.NewMemoryLedger()
	_, err := ledger.Write(ctx, contracts.EventPetitionReceived, map[string]any{
		"petition_id": "p-1", "petition_type": "GENERAL",
		"realm": "governance", "content_hash": "blake2b:00",
	})
	require.NoError(t, err)
	_, err = ledger.Write(ctx, contracts.EventPetitionWithdrawn, map[string]any{
		"petition_id": "p-1", "requester_id": "citizen-1",
	})
	require.NoError(t, err)

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	exporter := NewExporter(ledger, store).WithClock(func() time.Time { return now })

	snap, err := exporter.Export(ctx, ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.EventCount)
	assert.Equal(t, now, snap.GeneratedAt)
	assert.NotEmpty(t, snap.SnapshotID)
	assert.Contains(t, snap.Checksum, "sha256:")
	require.NotEmpty(t, snap.BlobHash)

	// The stored blob is a readable zip carrying the events.
	blob, err := store.Get(ctx, snap.BlobHash)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)

	names := map[string]bool{}
	var events []contracts.Event
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "events.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			raw, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			require.NoError(t, json.Unmarshal(raw, &events))
		}
	}
	assert.True(t, names["events.json"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])
	require.Len(t, events, 2)
	assert.Equal(t, contracts.EventPetitionReceived, events[0].EventType)
}

func TestExportRefusesTamperedLedger(t *testing.T) {
	ctx := context.Background()
	ledger := eventledger.NewMemoryLedger()
	_, err := ledger.Write(ctx, contracts.EventPetitionReceived, map[string]any{
		"petition_id": "p-1", "petition_type": "GENERAL",
		"realm": "governance", "content_hash": "blake2b:00",
	})
	require.NoError(t, err)

	tampered := &tamperedReader{inner: ledger}
	exporter := NewExporter(tampered, nil)

	_, err = exporter.Export(ctx, ExportRequest{})
	assert.ErrorContains(t, err, "tampered")
}

func TestExportValidatesWindow(t *testing.T) {
	exporter := NewExporter(eventledger.NewMemoryLedger(), nil)
	_, err := exporter.Export(context.Background(), ExportRequest{
		StartTime: time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}

// tamperedReader flips a payload field after the event was sealed.
type tamperedReader struct {
	inner eventledger.Reader
}

func (r *tamperedReader) List(ctx context.Context) ([]contracts.Event, error) {
	events, err := r.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Payload["petition_id"] = "someone-else"
	}
	return events, nil
}

func (r *tamperedReader) FindByPetition(ctx context.Context, petitionID string) ([]contracts.Event, error) {
	return r.inner.FindByPetition(ctx, petitionID)
}

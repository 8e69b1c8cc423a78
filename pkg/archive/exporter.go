package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
)

// Snapshot describes one exported ledger bundle.
type Snapshot struct {
	SnapshotID  string    `json:"snapshot_id"`
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	Checksum    string    `json:"checksum"`
	BlobHash    string    `json:"blob_hash"`
}

// ExportRequest bounds the export window. Zero times mean unbounded.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter packs ledger events into a checksummed zip and persists it.
// Every event is re-verified against its witness hash before packing;
// a tampered ledger refuses to export.
type Exporter struct {
	ledger eventledger.Reader
	blobs  BlobStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewExporter wires the exporter.
func NewExporter(ledger eventledger.Reader, blobs BlobStore) *Exporter {
	return &Exporter{
		ledger: ledger,
		blobs:  blobs,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export builds the snapshot zip and stores it. The bundle holds
// events.json, manifest.json, and a README.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*Snapshot, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, fmt.Errorf("archive: start_time must be before end_time")
	}

	all, err := e.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: list ledger: %w", err)
	}

	events := make([]contracts.Event, 0, len(all))
	for _, ev := range all {
		if !req.StartTime.IsZero() && ev.EmittedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && ev.EmittedAt.After(req.EndTime) {
			continue
		}
		if err := eventledger.VerifyEvent(&ev); err != nil {
			return nil, fmt.Errorf("archive: refusing to export tampered ledger: %w", err)
		}
		events = append(events, ev)
	}

	now := e.clock().UTC()
	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: marshal events: %w", err)
	}

	manifest := map[string]any{
		"generated_at":    now,
		"event_count":     len(events),
		"schema_version":  contracts.SchemaVersion,
		"events_checksum": "sha256:" + hex.EncodeToString(sum(eventsJSON)),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(f, "Petition ledger snapshot\nGenerated at %s\nEvents: %d\n", now.Format(time.RFC3339), len(events))

	if err := w.Close(); err != nil {
		return nil, err
	}

	zipBytes := buf.Bytes()
	checksum := "sha256:" + hex.EncodeToString(sum(zipBytes))

	blobHash := ""
	if e.blobs != nil {
		blobHash, err = e.blobs.Store(ctx, zipBytes)
		if err != nil {
			return nil, fmt.Errorf("archive: store snapshot: %w", err)
		}
	}

	snap := &Snapshot{
		SnapshotID:  contracts.NewID(),
		GeneratedAt: now,
		EventCount:  len(events),
		Checksum:    checksum,
		BlobHash:    blobHash,
	}
	e.logger.Info("ledger snapshot exported",
		"snapshot_id", snap.SnapshotID, "events", snap.EventCount, "blob", blobHash)
	return snap, nil
}

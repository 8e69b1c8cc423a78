// Package eventledger provides the witnessed, append-only event ledger.
// Every event is serialized to RFC 8785 canonical JSON, hashed into a
// witness hash, schema-validated, and appended; updates and deletes do
// not exist.
package eventledger

import (
	"context"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
)

// Writer appends witnessed events. Persistence failure surfaces as an
// event-emission fault with the original cause chained; the fate
// coordinator relies on that to trigger its rollback path.
type Writer interface {
	Write(ctx context.Context, eventType string, payload map[string]any) (*contracts.Event, error)
}

// Reader exposes the ledger for verification and export. The ledger is
// ordered by emission time; the append is the linearization point.
type Reader interface {
	List(ctx context.Context) ([]contracts.Event, error)
	FindByPetition(ctx context.Context, petitionID string) ([]contracts.Event, error)
}

// Package escalationqueue is the King's realm-scoped view of escalated
// petitions: stable FIFO order, keyset pagination, halt-gated even
// though it is a read.
package escalationqueue

import (
	"context"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

const (
	// DefaultLimit applies when the caller does not specify one.
	DefaultLimit = 20
	// MaxLimit bounds a single page.
	MaxLimit = 100
)

// Item is one queue entry, the summary a King triages from.
type Item struct {
	PetitionID       string                     `json:"petition_id"`
	PetitionType     contracts.PetitionType     `json:"petition_type"`
	EscalationSource contracts.EscalationSource `json:"escalation_source"`
	CoSignerCount    int                        `json:"co_signer_count"`
	EscalatedAt      time.Time                  `json:"escalated_at"`
}

// Page is one paginated slice of the queue.
type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// RealmAuthority answers whether a King holds a realm.
type RealmAuthority interface {
	KingFor(realm string) (string, bool)
}

// DecisionPackage is the full context a King reviews before deciding.
type DecisionPackage struct {
	Petition       *contracts.Petition      `json:"petition"`
	Acknowledgment *contracts.Acknowledgment `json:"acknowledgment,omitempty"`
	Events         []contracts.Event        `json:"events"`
}

// AckReader looks up an acknowledgment without importing the executor.
type AckReader interface {
	GetByPetition(ctx context.Context, petitionID string) (*contracts.Acknowledgment, error)
}

// Queue serves the escalation queue and decision packages.
type Queue struct {
	store  petition.Store
	halt   haltgate.Checker
	realms RealmAuthority
	events eventledger.Reader
	acks   AckReader
}

// New wires the queue over the petition store.
func New(store petition.Store, halt haltgate.Checker) *Queue {
	return &Queue{store: store, halt: halt}
}

// WithRealmAuthority enables King-to-realm authorization checks.
func (q *Queue) WithRealmAuthority(r RealmAuthority) *Queue {
	q.realms = r
	return q
}

// WithEvents attaches the ledger for decision packages.
func (q *Queue) WithEvents(r eventledger.Reader) *Queue {
	q.events = r
	return q
}

// WithAcknowledgments attaches the acknowledgment reader.
func (q *Queue) WithAcknowledgments(r AckReader) *Queue {
	q.acks = r
	return q
}

// GetQueue returns one page of the realm's escalations. The halt check
// is deliberate for this read: a halted system refuses all access to
// the Crown's queue.
func (q *Queue) GetQueue(ctx context.Context, kingID, realmID, cursorToken string, limit int) (*Page, error) {
	if err := haltgate.Guard(q.halt); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fault.New(fault.KindValidation, "limit must be in [1, %d], got %d", MaxLimit, limit)
	}
	if err := q.authorize(kingID, realmID); err != nil {
		return nil, err
	}

	var after *petition.EscalationCursor
	if cursorToken != "" {
		c, err := DecodeCursor(cursorToken)
		if err != nil {
			return nil, err
		}
		after = &c
	}

	// Fetch one extra row to learn whether another page exists.
	rows, err := q.store.ListEscalated(ctx, realmID, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	page.Items = make([]Item, 0, len(rows))
	for _, p := range rows {
		item := Item{
			PetitionID:       p.ID,
			PetitionType:     p.Type,
			EscalationSource: p.EscalationSource,
			CoSignerCount:    p.CoSignerCount,
		}
		if p.EscalatedAt != nil {
			item.EscalatedAt = *p.EscalatedAt
		}
		page.Items = append(page.Items, item)
	}
	if page.HasMore && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = EncodeCursor(petition.EscalationCursor{
			EscalatedAt: last.EscalatedAt,
			PetitionID:  last.PetitionID,
		})
	}
	return page, nil
}

// GetDecisionPackage assembles the escalated petition, its ledger
// trail, and any existing acknowledgment for realm-scoped review.
func (q *Queue) GetDecisionPackage(ctx context.Context, petitionID, realmID string) (*DecisionPackage, error) {
	p, err := q.store.Get(ctx, petitionID)
	if err != nil {
		return nil, err
	}
	if p.State != contracts.StateEscalated {
		return nil, fault.New(fault.KindConflict, "petition %s is %s, not ESCALATED", petitionID, p.State)
	}
	if p.EscalatedToRealm != realmID {
		return nil, fault.New(fault.KindForbidden,
			"petition %s is escalated to realm %s, not %s", petitionID, p.EscalatedToRealm, realmID)
	}

	pkg := &DecisionPackage{Petition: p}
	if q.events != nil {
		events, err := q.events.FindByPetition(ctx, petitionID)
		if err != nil {
			return nil, err
		}
		pkg.Events = events
	}
	if q.acks != nil {
		if ack, err := q.acks.GetByPetition(ctx, petitionID); err == nil {
			pkg.Acknowledgment = ack
		}
	}
	return pkg, nil
}

func (q *Queue) authorize(kingID, realmID string) error {
	if q.realms == nil {
		return nil
	}
	holder, ok := q.realms.KingFor(realmID)
	if !ok {
		return nil
	}
	if holder != kingID {
		return fault.New(fault.KindForbidden, "realm %s is not held by %s", realmID, kingID)
	}
	return nil
}

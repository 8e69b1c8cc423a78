package escalationqueue

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
)

// Cursors are base64("<iso_timestamp>:<petition_id>"). The timestamp
// itself contains colons, so the split happens at the last one.

// EncodeCursor renders a keyset position as an opaque page token.
func EncodeCursor(c petition.EscalationCursor) string {
	raw := c.EscalatedAt.UTC().Format(time.RFC3339Nano) + ":" + c.PetitionID
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token back into a keyset position.
func DecodeCursor(token string) (petition.EscalationCursor, error) {
	var zero petition.EscalationCursor
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return zero, fault.Wrap(fault.KindValidation, err, "invalid cursor")
	}
	sep := strings.LastIndex(string(raw), ":")
	if sep <= 0 || sep == len(raw)-1 {
		return zero, fault.New(fault.KindValidation, "invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw[:sep]))
	if err != nil {
		return zero, fault.Wrap(fault.KindValidation, err, "invalid cursor")
	}
	return petition.EscalationCursor{
		EscalatedAt: ts.UTC(),
		PetitionID:  string(raw[sep+1:]),
	}, nil
}

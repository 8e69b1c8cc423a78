package audit

import (
	"context"
	"log/slog"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
)

// FateHook adapts a Logger into a fate coordinator hook so every fate
// assignment leaves a MUTATION line in the audit stream.
func FateHook(l Logger) fate.Hook {
	return func(ctx context.Context, p *contracts.Petition, ev *contracts.Event) {
		md := map[string]any{
			"state":       string(p.State),
			"fate_reason": p.FateReason,
		}
		actor := ""
		if ev != nil {
			md["event_id"] = ev.EventID
			if a, ok := ev.Payload["actor"].(string); ok {
				actor = a
			}
		}
		if err := l.Record(ctx, EventMutation, actor, "petition.fate", "petition:"+p.ID, md); err != nil {
			slog.Warn("audit record failed", "petition_id", p.ID, "error", err)
		}
	}
}

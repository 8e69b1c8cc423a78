package api

import (
	"encoding/hex"

	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/hashing"
)

// StatusToken derives an opaque change token over (content_hash, state).
// The token changes exactly when the petition's observable status does,
// so clients can poll with If-None-Match and get 304 until a fate lands.
// Tokens are never persisted.
func StatusToken(p *contracts.Petition) string {
	material := make([]byte, 0, len(p.ContentHash)+1+len(p.State))
	material = append(material, p.ContentHash...)
	material = append(material, '|')
	material = append(material, []byte(p.State)...)
	digest := hashing.Hash(material)
	return `"` + hex.EncodeToString(digest[:16]) + `"`
}

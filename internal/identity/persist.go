package identity

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// Restore replaces the pool with the persisted identities and returns how
// many were loaded. Malformed records are skipped.
func (p *Pool) Restore(ctx context.Context) (int, error) {
	raw, err := p.store.Load(ctx, storage.BucketIdentities)
	if err != nil {
		return 0, governance.Persistence("load identities", err)
	}
	entries := make(map[string]*entry, len(raw))
	hints := make(map[string]string)
	for key, b := range raw {
		var ident Identity
		if err := json.Unmarshal(b, &ident); err != nil || ident.ID == "" {
			p.logger.Warn("skipping malformed identity", zap.String("key", key), zap.Error(err))
			continue
		}
		entries[ident.ID] = &entry{id: ident}
		if ident.HintKey != "" {
			if prev, taken := hints[ident.HintKey]; !taken || prev < ident.ID {
				hints[ident.HintKey] = ident.ID
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = entries
	p.hints = hints
	p.logger.Info("identities restored", zap.Int("count", len(entries)))
	return len(entries), nil
}

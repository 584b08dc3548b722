// services/audit_export.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"matrix-reward-engine/models"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// ObjectSink stores exported documents. utils.R2Client implements it.
type ObjectSink interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// AuditExporter writes a daily snapshot of expired claims still waiting for a
// roll-up recipient, with their attempt history, for manual resolution.
type AuditExporter struct {
	rewards *RewardService
	sink    ObjectSink
	prefix  string
	logger  *zap.Logger
}

func NewAuditExporter(rewards *RewardService, sink ObjectSink, prefix string, logger *zap.Logger) *AuditExporter {
	return &AuditExporter{rewards: rewards, sink: sink, prefix: prefix, logger: logger.Named("audit")}
}

// UnresolvedEntry is one claim in the export.
type UnresolvedEntry struct {
	Claim    models.RewardClaim    `json:"claim"`
	Attempts []models.RollupRecord `json:"attempts"`
}

// AuditDocument is the exported object body.
type AuditDocument struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Count       int               `json:"count"`
	Entries     []UnresolvedEntry `json:"entries"`
}

// ObjectKey names the export for day, e.g. "audit/unresolved-rollups-2026-10-15.json".
func (x *AuditExporter) ObjectKey(day time.Time) string {
	name := slug.Make(fmt.Sprintf("unresolved rollups %s", day.UTC().Format("2006-01-02")))
	if x.prefix == "" {
		return name + ".json"
	}
	return slug.Make(x.prefix) + "/" + name + ".json"
}

// Export uploads the current unresolved set. An empty set is still written so
// the absence of problems is recorded too.
func (x *AuditExporter) Export(ctx context.Context) (string, int, error) {
	claims, err := x.rewards.ListUnresolvedRollups(ctx, 0)
	if err != nil {
		return "", 0, err
	}
	doc := AuditDocument{GeneratedAt: x.rewards.now().UTC(), Count: len(claims), Entries: make([]UnresolvedEntry, 0, len(claims))}
	for _, c := range claims {
		attempts, err := x.rewards.Ledger.ListRollups(ctx, c.ID)
		if err != nil {
			return "", 0, fmt.Errorf("load roll-up history of %s: %w", c.ID, err)
		}
		doc.Entries = append(doc.Entries, UnresolvedEntry{Claim: c, Attempts: attempts})
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", 0, err
	}
	key := x.ObjectKey(doc.GeneratedAt)
	if err := x.sink.PutObject(ctx, key, body, "application/json"); err != nil {
		return "", 0, err
	}
	x.logger.Info("unresolved roll-ups exported", zap.String("key", key), zap.Int("count", doc.Count))
	return key, doc.Count, nil
}

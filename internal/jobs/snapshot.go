package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"datapipe/internal/provider"
	"datapipe/internal/storage"
	logx "datapipe/pkg/logx"
)

// snapshotKeyFields is the natural key of snapshot rows.
var snapshotKeyFields = []string{"key"}

// snapshot stores each response whole, keyed by the request cache key.
type snapshot struct {
	name     string
	provider *provider.Provider
	store    storage.Upserter
	table    string
	fields   map[string]string
	calls    []call

	log logx.Logger
	now func() time.Time
}

func (h *snapshot) Run(ctx context.Context) error {
	recs := make([]storage.Record, 0, len(h.calls))
	var errs []error
	for _, c := range h.calls {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		resp, err := h.provider.Fetch(ctx, c.req)
		if err != nil {
			h.log.Warn("snapshot request failed", logx.String("key", c.req.CacheKey()), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		var payload any
		if err := resp.JSON(&payload); err != nil {
			errs = append(errs, err)
			continue
		}
		rec := storage.Record{
			"key":        c.req.CacheKey(),
			"provider":   h.provider.Name(),
			"fetched_at": h.now().UTC().Format(time.RFC3339),
			"synthetic":  resp.Synthetic,
			"stale":      resp.Stale,
			"payload":    payload,
		}
		stamp(rec, c.fields)
		stamp(rec, h.fields)
		recs = append(recs, rec)
	}

	if len(recs) > 0 {
		if _, err := h.store.Upsert(ctx, h.table, snapshotKeyFields, recs); err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", h.table, err))
		}
	}
	h.log.Info("snapshot finished",
		logx.String("table", h.table),
		logx.Int("stored", len(recs)),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

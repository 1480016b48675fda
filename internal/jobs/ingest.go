package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"datapipe/internal/fetch"
	"datapipe/internal/provider"
	"datapipe/internal/storage"
	logx "datapipe/pkg/logx"
)

// call is one resolved request plus the fields stamped on what it returns.
type call struct {
	req    fetch.Request
	fields map[string]string
}

// ingest fetches each call, extracts records and upserts them.
type ingest struct {
	name        string
	provider    *provider.Provider
	store       storage.Upserter
	table       string
	keyFields   []string
	recordsPath string
	fields      map[string]string
	calls       []call

	log logx.Logger
	now func() time.Time
}

func (h *ingest) Run(ctx context.Context) error {
	var (
		errs     []error
		total    int
		degraded int
	)
	for _, c := range h.calls {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, resp, err := h.one(ctx, c)
		if err != nil {
			h.log.Warn("ingest request failed", logx.String("key", c.req.CacheKey()), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		total += n
		if resp.Stale || resp.Synthetic {
			degraded++
		}
	}

	h.log.Info("ingest finished",
		logx.String("table", h.table),
		logx.Int("requests", len(h.calls)),
		logx.Int("records", total),
		logx.Int("degraded", degraded),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (h *ingest) one(ctx context.Context, c call) (int, *fetch.Response, error) {
	resp, err := h.provider.Fetch(ctx, c.req)
	if err != nil {
		return 0, nil, err
	}
	var doc any
	if err := resp.JSON(&doc); err != nil {
		return 0, resp, err
	}
	path := h.recordsPath
	if resp.Synthetic {
		path = "records"
	}
	recs, err := extractRecords(doc, path)
	if err != nil {
		return 0, resp, err
	}
	if len(recs) == 0 {
		h.log.Debug("no records", logx.String("key", c.req.CacheKey()))
		return 0, resp, nil
	}

	fetchedAt := h.now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		stamp(r, c.fields)
		stamp(r, h.fields)
		r["fetched_at"] = fetchedAt
		r["provider"] = h.provider.Name()
	}
	n, err := h.store.Upsert(ctx, h.table, h.keyFields, recs)
	if err != nil {
		return 0, resp, fmt.Errorf("upsert %s: %w", h.table, err)
	}
	return n, resp, nil
}

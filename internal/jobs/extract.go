package jobs

import (
	"fmt"
	"sort"
	"strings"

	"datapipe/internal/fetch"
	"datapipe/internal/storage"
)

// entryKeyField carries the object key when records come from an object of
// objects (e.g. a date-keyed time series).
const entryKeyField = "_key"

// extractRecords walks a dot path into a decoded JSON document and returns
// the records found there:
//   - an array of objects yields one record per element
//   - an object whose values are all objects yields one record per entry,
//     with the entry key stored under "_key"
//   - any other object yields itself as a single record
//
// An empty path starts at the document root.
func extractRecords(doc any, path string) ([]storage.Record, error) {
	cur := doc
	if p := strings.TrimSpace(path); p != "" {
		for _, seg := range strings.Split(p, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not an object at %q", fetch.ErrMalformedResponse, path, seg)
			}
			next, ok := m[seg]
			if !ok {
				return nil, fmt.Errorf("%w: path %q not found (missing %q)", fetch.ErrMalformedResponse, path, seg)
			}
			cur = next
		}
	}

	switch v := cur.(type) {
	case []any:
		out := make([]storage.Record, 0, len(v))
		for i, el := range v {
			m, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: element %d at %q is not an object", fetch.ErrMalformedResponse, i, path)
			}
			out = append(out, storage.Record(m))
		}
		return out, nil
	case map[string]any:
		if rows, ok := objectOfObjects(v); ok {
			return rows, nil
		}
		return []storage.Record{storage.Record(v)}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: value at %q is %T, want array or object", fetch.ErrMalformedResponse, path, cur)
	}
}

func objectOfObjects(m map[string]any) ([]storage.Record, bool) {
	if len(m) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := v.(map[string]any); !ok {
			return nil, false
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		src := m[k].(map[string]any)
		rec := make(storage.Record, len(src)+1)
		for f, fv := range src {
			rec[f] = fv
		}
		rec[entryKeyField] = k
		out = append(out, rec)
	}
	return out, true
}

// stamp sets fields that the record does not already carry.
func stamp(rec storage.Record, fields map[string]string) {
	for k, v := range fields {
		if _, ok := rec[k]; !ok {
			rec[k] = v
		}
	}
}

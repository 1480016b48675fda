package fetch

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

// Synthesizer produces a stand-in body when a provider runs in demo mode or
// a live call fails with demo fallback enabled.
type Synthesizer interface {
	Synthesize(req Request) ([]byte, error)
}

type SynthesizerFunc func(req Request) ([]byte, error)

func (f SynthesizerFunc) Synthesize(req Request) ([]byte, error) { return f(req) }

// StaticPayload always returns the same document.
func StaticPayload(body []byte) Synthesizer {
	cp := append([]byte(nil), body...)
	return SynthesizerFunc(func(Request) ([]byte, error) {
		return append([]byte(nil), cp...), nil
	})
}

// SampleSeries generates a deterministic series per cache key:
//
//	{"synthetic": true, "key": "...", "records": [{"id": "...", "date": "...", "value": 101.2}, ...]}
//
// The same key always yields the same numbers so repeated demo runs upsert
// identical rows.
type SampleSeries struct {
	Points int
	Now    func() time.Time
}

type sampleRecord struct {
	ID    string  `json:"id"`
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type samplePayload struct {
	Synthetic bool           `json:"synthetic"`
	Key       string         `json:"key"`
	Records   []sampleRecord `json:"records"`
}

func (s SampleSeries) Synthesize(req Request) ([]byte, error) {
	n := s.Points
	if n <= 0 {
		n = 5
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	key := req.CacheKey()
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	day := now().UTC().Truncate(24 * time.Hour)
	base := 50 + rng.Float64()*150
	out := samplePayload{Synthetic: true, Key: key, Records: make([]sampleRecord, 0, n)}
	for i := 0; i < n; i++ {
		base += (rng.Float64() - 0.5) * 4
		d := day.AddDate(0, 0, -i).Format("2006-01-02")
		out.Records = append(out.Records, sampleRecord{
			ID:    fmt.Sprintf("%x-%s", h.Sum64()&0xffffff, d),
			Date:  d,
			Value: float64(int(base*100)) / 100,
		})
	}
	return json.Marshal(out)
}

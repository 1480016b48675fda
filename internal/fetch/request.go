package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request describes one provider call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   []byte
	Header http.Header

	// Key overrides the derived cache key.
	Key string
	// AllowStale lets a failed fetch fall back to a cached entry inside its
	// stale grace.
	AllowStale bool
}

// CacheKey is the endpoint plus canonical parameters. Query values are
// encoded in sorted key order and request headers are folded in as a digest.
// Credentials added by the provider authorizer are never part of the key.
func (r Request) CacheKey() string {
	if k := strings.TrimSpace(r.Key); k != "" {
		return k
	}
	var b strings.Builder
	b.WriteString(r.method())
	b.WriteByte(' ')
	b.WriteString(r.URL)
	if len(r.Query) > 0 {
		if strings.Contains(r.URL, "?") {
			b.WriteByte('&')
		} else {
			b.WriteByte('?')
		}
		b.WriteString(r.Query.Encode())
	}
	if len(r.Body) > 0 {
		sum := sha256.Sum256(r.Body)
		b.WriteString(" #")
		b.WriteString(hex.EncodeToString(sum[:8]))
	}
	if h := headerDigest(r.Header); h != "" {
		b.WriteString(" h:")
		b.WriteString(h)
	}
	return b.String()
}

// headerDigest hashes the request headers in canonical, sorted form.
func headerDigest(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	canon := make(map[string][]string, len(h))
	names := make([]string, 0, len(h))
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, ok := canon[ck]; !ok {
			names = append(names, ck)
		}
		canon[ck] = append(canon[ck], vs...)
	}
	sort.Strings(names)
	sum := sha256.New()
	for _, k := range names {
		for _, v := range canon[k] {
			fmt.Fprintf(sum, "%s:%s\n", k, v)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)[:8])
}

func (r Request) method() string {
	m := strings.ToUpper(strings.TrimSpace(r.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

func (r Request) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	return nil
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	var body *bytes.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.method(), u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.method(), u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Response is what Fetch returns to handlers.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	FromCache bool
	Stale     bool
	Synthetic bool
	Attempts  int
}

// JSON decodes the body into v. Numbers land in interface values as
// json.Number so large integer IDs keep every digit.
func (r *Response) JSON(v any) error {
	if r == nil {
		return fmt.Errorf("%w: nil response", ErrMalformedResponse)
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrMalformedResponse)
	}
	return nil
}

func (r Response) clone() Response {
	out := r
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	return out
}

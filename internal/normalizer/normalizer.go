// Package normalizer turns raw records from any supported source format into
// canonical events.
package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/reader"
)

// Normalizer converts one raw record into exactly one canonical event, or
// fails with an error wrapping failure.ErrMalformedRecord. Implementations
// are pure.
type Normalizer interface {
	Normalize(rec reader.Record) (*event.Event, error)
	Supports(format string) bool
}

// Registry holds ordered normalizers and finds a match for a record.
type Registry struct {
	items []Normalizer
}

// NewRegistry constructs a registry with provided normalizers.
func NewRegistry(items ...Normalizer) *Registry {
	return &Registry{items: items}
}

// Default returns a registry with the built-in normalizers.
func Default() *Registry {
	return NewRegistry(EVTXJSON{}, NDJSON{}, Delimited{})
}

// Find returns the first normalizer that supports format.
func (r *Registry) Find(format string) Normalizer {
	if r == nil {
		return nil
	}
	for _, n := range r.items {
		if n.Supports(format) {
			return n
		}
	}
	return nil
}

// Supports reports whether any registered normalizer handles format.
func (r *Registry) Supports(format string) bool {
	return r.Find(format) != nil
}

// Normalize dispatches rec to the matching normalizer and fills sentinels
// for missing identity fields.
func (r *Registry) Normalize(rec reader.Record) (*event.Event, error) {
	n := r.Find(rec.Format)
	if n == nil {
		return nil, fmt.Errorf("no normalizer for source format %q", rec.Format)
	}
	ev, err := n.Normalize(rec)
	if err != nil {
		return nil, err
	}
	ev.SourceFormat = rec.Format
	ev.Source.Offset = rec.Offset
	ev.Host = NormalizeHost(ev.Host)
	ev.FillUnknown()
	return ev, nil
}

// NormalizeHost lower-cases and trims a host name, keeping any domain suffix.
func NormalizeHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimLeft(h, `\`)
	return strings.ToLower(h)
}

// firstString returns the first path in doc that resolves to a non-empty
// scalar.
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		res := doc.Get(p)
		if !res.Exists() || res.IsObject() || res.IsArray() {
			continue
		}
		if s := strings.TrimSpace(res.String()); s != "" {
			return s
		}
	}
	return ""
}

// firstTime returns the first path in doc that parses as a timestamp.
func firstTime(doc gjson.Result, paths ...string) time.Time {
	for _, p := range paths {
		res := doc.Get(p)
		if !res.Exists() || res.IsObject() || res.IsArray() {
			continue
		}
		if res.Type == gjson.Number {
			if t, ok := epoch(res.Int()); ok {
				return t
			}
			continue
		}
		if t, ok := ParseTime(res.String()); ok {
			return t
		}
	}
	return time.Time{}
}

// ParseTime parses the timestamp formats seen in exported logs: RFC 3339 and
// its many variants, Windows SystemTime strings, and epoch seconds,
// milliseconds or microseconds. The result is in UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch(n)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func epoch(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false
	case n >= 1e17:
		return time.Unix(0, n).UTC(), true
	case n >= 1e14:
		return time.UnixMicro(n).UTC(), true
	case n >= 1e11:
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Unix(n, 0).UTC(), true
	}
}

func parseObject(rec reader.Record) (gjson.Result, error) {
	if !gjson.ValidBytes(rec.Raw) {
		return gjson.Result{}, failure.Malformed("line %d: invalid JSON", rec.Offset)
	}
	doc := gjson.ParseBytes(rec.Raw)
	if !doc.IsObject() {
		return gjson.Result{}, failure.Malformed("line %d: expected a JSON object, got %s", rec.Offset, doc.Type)
	}
	return doc, nil
}

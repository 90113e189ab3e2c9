// Package identity derives the deterministic document ID used as the upsert
// key for canonical events, which is what makes re-ingestion converge.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/payload"
)

// MaxIDBytes is the search engine's document ID length limit.
const MaxIDBytes = 512

// DigestLen is the number of hex characters of the payload digest kept in an ID.
const DigestLen = 16

const separator = "|"

// Strictness selects which payload keys take part in the content digest.
//
// Stricter settings avoid false merges at the cost of leaving cosmetically
// different copies of the same event unmerged.
type Strictness string

const (
	// StrictnessExact hashes the payload as-is.
	StrictnessExact Strictness = "exact"
	// StrictnessStandard drops per-file bookkeeping such as record numbers.
	StrictnessStandard Strictness = "standard"
	// StrictnessRelaxed additionally drops the configured volatile keys.
	StrictnessRelaxed Strictness = "relaxed"
)

// BookkeepingKeys are removed from the payload before hashing under
// StrictnessStandard and StrictnessRelaxed. They number records within one
// source file and differ between two exports of the same log.
var BookkeepingKeys = []string{
	"EventRecordID",
	"RecordNumber",
	"record_number",
	"record_id",
	"offset",
	"_offset",
	"source_file",
	"_source_file",
	"line",
	"_line",
}

// Config configures a Hasher.
type Config struct {
	Strictness   Strictness
	Precision    time.Duration
	VolatileKeys []string
}

// Hasher computes document identities. It is safe for concurrent use.
type Hasher struct {
	precision time.Duration
	drop      map[string]struct{}
}

// New builds a Hasher. A zero Precision means one second.
func New(cfg Config) (*Hasher, error) {
	if cfg.Precision < 0 {
		return nil, fmt.Errorf("identity precision must not be negative")
	}
	if cfg.Precision == 0 {
		cfg.Precision = time.Second
	}

	drop := map[string]struct{}{}
	switch cfg.Strictness {
	case StrictnessExact:
	case StrictnessStandard, "":
		for _, k := range BookkeepingKeys {
			drop[k] = struct{}{}
		}
	case StrictnessRelaxed:
		for _, k := range BookkeepingKeys {
			drop[k] = struct{}{}
		}
		for _, k := range cfg.VolatileKeys {
			drop[k] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("unknown identity strictness %q", cfg.Strictness)
	}

	return &Hasher{precision: cfg.Precision, drop: drop}, nil
}

// Identity returns the document ID of ev within caseID:
//
//	case | type | host | time-bucket | digest[:16]
//
// Each component is sanitized to [A-Za-z0-9._-]. When the result would
// exceed MaxIDBytes the host and type are shortened; the digest is always kept
// whole. If sanitizing or shortening changed the type or host, their original
// values are folded into the digest so distinct hosts never share an ID.
func (h *Hasher) Identity(caseID int64, ev *event.Event) string {
	rawTyp := orUnknown(ev.EventTypeCode)
	rawHost := orUnknown(strings.ToLower(ev.Host))
	typ, host := Sanitize(rawTyp), Sanitize(rawHost)
	bucket := h.bucket(ev.Timestamp)

	prefix := strconv.FormatInt(caseID, 10) + separator
	room := MaxIDBytes - len(prefix) - 2*len(separator) - len(bucket) - DigestLen - len(separator)
	if len(typ)+len(host) > room {
		half := room / 2
		if len(typ) > half && len(host) > room-half {
			typ, host = typ[:half], host[:room-half]
		} else if len(typ) > half {
			typ = typ[:room-len(host)]
		} else {
			host = host[:room-len(typ)]
		}
	}

	digest := h.Digest(ev.Payload)
	if typ != rawTyp || host != rawHost {
		digest = qualify(digest, rawTyp, rawHost)
	}
	return prefix + typ + separator + host + separator + bucket + separator + digest
}

// qualify mixes the unsanitized type and host into a payload digest.
func qualify(digest, typ, host string) string {
	sum := sha256.Sum256([]byte(digest + "\x00" + typ + "\x00" + host))
	return hex.EncodeToString(sum[:])[:DigestLen]
}

// Digest returns the first DigestLen hex characters of the SHA-256 of the
// canonical payload after dropping keys excluded by the strictness setting.
// A null payload hashes like an empty object.
func (h *Hasher) Digest(p payload.Value) string {
	if p.IsNull() {
		p = payload.EmptyObject()
	}
	sum := sha256.Sum256(p.Without(h.drop).Canonical())
	return hex.EncodeToString(sum[:])[:DigestLen]
}

func (h *Hasher) bucket(t time.Time) string {
	if t.IsZero() {
		t = event.ZeroTime
	}
	t = t.UTC()
	if h.precision >= time.Second {
		return strconv.FormatInt(t.Truncate(h.precision).Unix(), 10)
	}
	return strconv.FormatInt(t.Truncate(h.precision).UnixNano(), 10)
}

// Sanitize replaces every byte outside [A-Za-z0-9._-] with '_'.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return event.Unknown
	}
	return s
}

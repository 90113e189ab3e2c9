// Package query compiles indicators of compromise into search queries.
//
// Indicators whose type has a known set of payload fields compile to
// exact term lookups on those fields. Everything else compiles to a
// wildcard query_string over every string in the payload, at any depth.
package query

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/search"
)

const defaultCacheSize = 1024

// Mode says how an indicator was compiled.
type Mode string

const (
	ModeTargeted  Mode = "targeted"
	ModeRecursive Mode = "recursive"
)

// RecursiveFields is searched by recursive queries: the keyword form of
// every string leaf under raw, so matching is case-sensitive and sees the
// whole stored value.
var RecursiveFields = []string{search.FieldRaw + ".*.keyword"}

// payload prefixes a targeted field may appear under. EVTX exports nest
// event data two levels down, flat logs keep it at the top.
var fieldPrefixes = []string{
	"",
	"Event.EventData.",
	"EventData.",
	"Event.UserData.",
}

var targetedLeaves = map[string][]string{
	repository.IndicatorIP: {
		"IpAddress", "SourceIp", "DestinationIp", "SourceAddress", "DestAddress", "ClientAddress",
		"src_ip", "dst_ip", "source_ip", "destination_ip", "client_ip", "remote_ip", "ip",
		"source.ip", "destination.ip", "client.ip",
	},
	repository.IndicatorHash: {
		"Hash", "MD5", "SHA1", "SHA256", "IMPHASH", "md5", "sha1", "sha256",
		"hash", "file.hash.md5", "file.hash.sha1", "file.hash.sha256",
	},
	repository.IndicatorAccount: {
		"TargetUserName", "SubjectUserName", "User", "UserName", "AccountName", "SamAccountName",
		"user", "username", "account", "user.name",
	},
	repository.IndicatorEmail: {
		"Sender", "Recipient", "From", "To", "sender", "recipient", "from", "to", "email",
		"user.email",
	},
	repository.IndicatorRegistryKey: {
		"TargetObject", "ObjectName", "KeyName", "registry_key", "registry.path", "registry.key",
	},
	repository.IndicatorUserAgent: {
		"UserAgent", "user_agent", "useragent", "http_user_agent", "user_agent.original",
	},
}

// Compiled is an indicator's query before scoping.
type Compiled struct {
	IndicatorID int64
	Type        string
	Value       string
	Mode        Mode
	Query       search.Query
}

// For scopes the query to a case, and to the documents a file owns when
// fileID is non-zero.
func (c *Compiled) For(caseID, fileID int64) search.Query {
	return search.Scoped(c.Query, caseID, fileID)
}

// Compiler is safe for concurrent use.
type Compiler struct {
	cache *lru.Cache[string, *Compiled]
}

func NewCompiler(cacheSize int) (*Compiler, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *Compiled](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the query for ind or a *failure.QueryCompileError when
// its value cannot be expressed.
func (c *Compiler) Compile(ind repository.Indicator) (*Compiled, error) {
	key := ind.Type + "\x00" + ind.Value
	if hit, ok := c.cache.Get(key); ok {
		out := *hit
		out.IndicatorID = ind.ID
		return &out, nil
	}

	compiled, err := compile(ind)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, compiled)
	out := *compiled
	return &out, nil
}

// CacheLen reports how many compiled queries are cached.
func (c *Compiler) CacheLen() int {
	return c.cache.Len()
}

func compile(ind repository.Indicator) (*Compiled, error) {
	if ind.Value == "" {
		return nil, &failure.QueryCompileError{IndicatorID: ind.ID, Value: ind.Value, Reason: "empty value"}
	}
	if !utf8.ValidString(ind.Value) {
		return nil, &failure.QueryCompileError{IndicatorID: ind.ID, Value: ind.Value, Reason: "invalid UTF-8"}
	}

	out := &Compiled{IndicatorID: ind.ID, Type: ind.Type, Value: ind.Value}
	if leaves, ok := targetedLeaves[ind.Type]; ok {
		out.Mode = ModeTargeted
		out.Query = targeted(leaves, ind.Value)
		return out, nil
	}

	escaped, err := Escape(ind.Value)
	if err != nil {
		return nil, &failure.QueryCompileError{IndicatorID: ind.ID, Value: ind.Value, Reason: err.Error()}
	}
	out.Mode = ModeRecursive
	out.Query = Recursive(escaped)
	return out, nil
}

func targeted(leaves []string, value string) search.Query {
	should := make([]search.Query, 0, len(leaves)*len(fieldPrefixes))
	for _, prefix := range fieldPrefixes {
		for _, leaf := range leaves {
			should = append(should, search.Term(search.FieldRaw+"."+prefix+leaf+".keyword", value))
		}
	}
	return search.Bool{Should: should, MinimumShouldMatch: 1}.Query()
}

// Recursive builds the any-depth substring query for an escaped term.
func Recursive(escaped string) search.Query {
	return search.Query{"query_string": map[string]any{
		"query":                  "*" + escaped + "*",
		"fields":                 RecursiveFields,
		"analyze_wildcard":       false,
		"allow_leading_wildcard": true,
		"lenient":                true,
	}}
}

// reserved is every character query_string syntax gives a meaning to.
const reserved = `+-=&|!(){}[]^"~*?:\/`

// Escape makes value a single literal query_string term. '<' and '>' have
// no escaped form, so values containing them are rejected, as are control
// characters.
func Escape(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("empty value")
	}
	var b strings.Builder
	b.Grow(len(value) * 2)
	for _, r := range value {
		switch {
		case r == '<' || r == '>':
			return "", fmt.Errorf("%q cannot be escaped in query_string syntax", r)
		case unicode.IsControl(r):
			return "", fmt.Errorf("control character %U", r)
		case strings.ContainsRune(reserved, r), unicode.IsSpace(r):
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

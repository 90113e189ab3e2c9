package memsearch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const keywordSuffix = ".keyword"

// flatDoc maps every leaf path of a stored document to its values rendered
// as strings. Arrays contribute one value per element under the same path.
type flatDoc map[string][]string

func flatten(doc map[string]any) flatDoc {
	out := flatDoc{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, child)
			}
		case []any:
			for _, child := range t {
				walk(prefix, child)
			}
		case nil:
		default:
			out[prefix] = append(out[prefix], scalarString(t))
		}
	}
	walk("", doc)
	return out
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// values resolves field against the flattened document. A ".keyword"
// suffix addresses the same stored values. Field names may contain '*'.
func (fd flatDoc) values(field string) []string {
	if !strings.Contains(field, "*") {
		return fd[strings.TrimSuffix(field, keywordSuffix)]
	}
	var out []string
	paths := make([]string, 0, len(fd))
	for p := range fd {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if globField(field, p) || globField(field, p+keywordSuffix) {
			out = append(out, fd[p]...)
		}
	}
	return out
}

// normalizeQuery round-trips q through JSON so evaluation only sees the
// generic decoded shapes.
func normalizeQuery(q any) (map[string]any, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// matches evaluates a decoded query clause against one document.
func matches(q map[string]any, id string, fd flatDoc) (bool, error) {
	if len(q) != 1 {
		return false, fmt.Errorf("query clause must have exactly one key, got %d", len(q))
	}
	for kind, body := range q {
		switch kind {
		case "match_all":
			return true, nil
		case "match_none":
			return false, nil
		case "term":
			return matchTerm(body, fd)
		case "terms":
			return matchTerms(body, fd)
		case "exists":
			m, _ := body.(map[string]any)
			field, _ := m["field"].(string)
			return len(fd.values(field)) > 0, nil
		case "ids":
			m, _ := body.(map[string]any)
			vals, _ := m["values"].([]any)
			for _, v := range vals {
				if scalarString(v) == id {
					return true, nil
				}
			}
			return false, nil
		case "bool":
			m, ok := body.(map[string]any)
			if !ok {
				return false, fmt.Errorf("bool query must be an object")
			}
			return matchBool(m, id, fd)
		case "query_string":
			m, ok := body.(map[string]any)
			if !ok {
				return false, fmt.Errorf("query_string must be an object")
			}
			return matchQueryString(m, fd)
		default:
			return false, fmt.Errorf("unsupported query type %q", kind)
		}
	}
	return false, nil
}

func singleField(body any) (string, any, error) {
	m, ok := body.(map[string]any)
	if !ok || len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one field, got %v", body)
	}
	for f, v := range m {
		return f, v, nil
	}
	return "", nil, nil
}

func matchTerm(body any, fd flatDoc) (bool, error) {
	field, v, err := singleField(body)
	if err != nil {
		return false, err
	}
	if obj, ok := v.(map[string]any); ok {
		v = obj["value"]
	}
	want := scalarString(v)
	for _, got := range fd.values(field) {
		if got == want {
			return true, nil
		}
	}
	return false, nil
}

func matchTerms(body any, fd flatDoc) (bool, error) {
	field, v, err := singleField(body)
	if err != nil {
		return false, err
	}
	list, ok := v.([]any)
	if !ok {
		return false, fmt.Errorf("terms on %s requires an array", field)
	}
	have := fd.values(field)
	for _, want := range list {
		for _, got := range have {
			if got == scalarString(want) {
				return true, nil
			}
		}
	}
	return false, nil
}

func clauses(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{t}, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, c := range t {
			m, ok := c.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("bool clause must be an object")
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("bool clause must be an object or array")
	}
}

func matchBool(m map[string]any, id string, fd flatDoc) (bool, error) {
	for key := range m {
		switch key {
		case "must", "filter", "should", "must_not", "minimum_should_match":
		default:
			return false, fmt.Errorf("unsupported bool key %q", key)
		}
	}

	required := 0
	for _, key := range []string{"must", "filter"} {
		cs, err := clauses(m[key])
		if err != nil {
			return false, err
		}
		required += len(cs)
		for _, c := range cs {
			ok, err := matches(c, id, fd)
			if err != nil || !ok {
				return false, err
			}
		}
	}

	notCs, err := clauses(m["must_not"])
	if err != nil {
		return false, err
	}
	for _, c := range notCs {
		ok, err := matches(c, id, fd)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	should, err := clauses(m["should"])
	if err != nil {
		return false, err
	}
	if len(should) == 0 {
		return true, nil
	}
	minShould := 0
	if required == 0 {
		minShould = 1
	}
	if v, ok := m["minimum_should_match"]; ok {
		n, err := strconv.Atoi(scalarString(v))
		if err != nil {
			return false, fmt.Errorf("minimum_should_match: %w", err)
		}
		minShould = n
	}
	hits := 0
	for _, c := range should {
		ok, err := matches(c, id, fd)
		if err != nil {
			return false, err
		}
		if ok {
			hits++
		}
	}
	return hits >= minShould, nil
}

func matchQueryString(m map[string]any, fd flatDoc) (bool, error) {
	q, _ := m["query"].(string)
	allowLeading := true
	if v, ok := m["allow_leading_wildcard"].(bool); ok {
		allowLeading = v
	}
	p, err := ParseQueryString(q, allowLeading)
	if err != nil {
		return false, fmt.Errorf("query_string %q: %w", q, err)
	}

	var fields []string
	switch f := m["fields"].(type) {
	case []any:
		for _, x := range f {
			fields = append(fields, scalarString(x))
		}
	case nil:
		if df, ok := m["default_field"].(string); ok {
			fields = []string{df}
		} else {
			fields = []string{"*"}
		}
	default:
		return false, fmt.Errorf("query_string fields must be an array")
	}

	for _, field := range fields {
		for _, v := range fd.values(field) {
			if p.Match(v) {
				return true, nil
			}
		}
	}
	return false, nil
}

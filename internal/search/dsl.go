package search

// Term matches documents whose field equals value exactly.
func Term(field string, value any) Query {
	return Query{"term": map[string]any{field: value}}
}

// Terms matches documents whose field equals any of values.
func Terms(field string, values ...any) Query {
	return Query{"terms": map[string]any{field: values}}
}

func MatchAll() Query {
	return Query{"match_all": map[string]any{}}
}

// Bool combines clauses. Empty clause lists are omitted.
type Bool struct {
	Must               []Query
	Filter             []Query
	Should             []Query
	MustNot            []Query
	MinimumShouldMatch int
}

// Query renders b.
func (b Bool) Query() Query {
	body := map[string]any{}
	if len(b.Must) > 0 {
		body["must"] = b.Must
	}
	if len(b.Filter) > 0 {
		body["filter"] = b.Filter
	}
	if len(b.Should) > 0 {
		body["should"] = b.Should
		if b.MinimumShouldMatch > 0 {
			body["minimum_should_match"] = b.MinimumShouldMatch
		}
	}
	if len(b.MustNot) > 0 {
		body["must_not"] = b.MustNot
	}
	return Query{"bool": body}
}

// Scope filters to a case, and to the documents owned by one file when
// fileID is non-zero. File scope always filters on the file's own ID.
func Scope(caseID, fileID int64) []Query {
	filters := []Query{Term(FieldCaseID, caseID)}
	if fileID != 0 {
		filters = append(filters, Term(FieldFileID, fileID))
	}
	return filters
}

// Scoped wraps q with Scope filters.
func Scoped(q Query, caseID, fileID int64) Query {
	return Bool{Must: []Query{q}, Filter: Scope(caseID, fileID)}.Query()
}

package normalizer

import (
	"strconv"
	"strings"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/payload"
	"github.com/telhawk-systems/casehawk/internal/reader"
)

// EVTXJSON handles Windows event logs exported as one JSON object per line,
// as produced by evtx_dump and similar converters.
type EVTXJSON struct{}

func (EVTXJSON) Supports(format string) bool {
	return format == event.FormatEVTXJSON
}

var (
	evtxTimePaths = []string{
		`Event.System.TimeCreated.\#attributes.SystemTime`,
		`Event.System.TimeCreated.\@SystemTime`,
		`Event.System.TimeCreated.SystemTime`,
		`Event.System.TimeCreated`,
		`System.TimeCreated.SystemTime`,
		`TimeCreated`,
		`timestamp`,
	}
	evtxHostPaths = []string{
		`Event.System.Computer`,
		`System.Computer`,
		`Computer`,
	}
	evtxTypePaths = []string{
		`Event.System.EventID.\#text`,
		`Event.System.EventID`,
		`System.EventID`,
		`EventID`,
	}
)

func (EVTXJSON) Normalize(rec reader.Record) (*event.Event, error) {
	doc, err := parseObject(rec)
	if err != nil {
		return nil, err
	}
	p, err := payload.Parse(rec.Raw)
	if err != nil {
		return nil, failure.Malformed("line %d: %v", rec.Offset, err)
	}

	return &event.Event{
		Timestamp:     firstTime(doc, evtxTimePaths...),
		Host:          firstString(doc, evtxHostPaths...),
		EventTypeCode: firstString(doc, evtxTypePaths...),
		Payload:       p,
	}, nil
}

// NDJSON handles generic line-delimited JSON. Well-known field names from
// common log shippers are probed for the identity fields.
type NDJSON struct{}

func (NDJSON) Supports(format string) bool {
	return format == event.FormatNDJSON
}

var (
	ndjsonTimePaths = []string{`\@timestamp`, "timestamp", "time", "event_time", "TimeCreated", "ts", "date", "datetime"}
	ndjsonHostPaths = []string{"host.name", "host.hostname", "hostname", "host", "computer", "Computer", "ComputerName", "device", "agent.hostname"}
	ndjsonTypePaths = []string{"event.code", "event_id", "EventID", "eventid", "event_type", "event.action", "type"}
)

func (NDJSON) Normalize(rec reader.Record) (*event.Event, error) {
	doc, err := parseObject(rec)
	if err != nil {
		return nil, err
	}
	p, err := payload.Parse(rec.Raw)
	if err != nil {
		return nil, failure.Malformed("line %d: %v", rec.Offset, err)
	}

	return &event.Event{
		Timestamp:     firstTime(doc, ndjsonTimePaths...),
		Host:          firstString(doc, ndjsonHostPaths...),
		EventTypeCode: firstString(doc, ndjsonTypePaths...),
		Payload:       p,
	}, nil
}

// Delimited handles CSV and TSV with a header row. Each row becomes a flat
// object keyed by column name.
type Delimited struct{}

func (Delimited) Supports(format string) bool {
	return format == event.FormatCSV || format == event.FormatTSV
}

var (
	delimitedTimeColumns = []string{"timestamp", "time", "timecreated", "datetime", "date", "event_time", "@timestamp", "utc time"}
	delimitedHostColumns = []string{"host", "hostname", "computer", "computername", "computer_name", "device"}
	delimitedTypeColumns = []string{"event_id", "eventid", "event id", "event_type", "type", "eventcode"}
)

func (Delimited) Normalize(rec reader.Record) (*event.Event, error) {
	if len(rec.Values) == 0 {
		return nil, failure.Malformed("row %d: empty row", rec.Offset)
	}
	if len(rec.Values) > len(rec.Columns) {
		return nil, failure.Malformed("row %d: %d values for %d columns", rec.Offset, len(rec.Values), len(rec.Columns))
	}

	obj := make(map[string]payload.Value, len(rec.Values))
	lookup := make(map[string]string, len(rec.Values))
	for i, v := range rec.Values {
		name := columnName(rec.Columns, i)
		obj[name] = payload.StringValue(v)
		key := strings.ToLower(strings.TrimSpace(rec.Columns[i]))
		if _, dup := lookup[key]; !dup {
			lookup[key] = v
		}
	}

	ev := &event.Event{
		Host:          firstColumn(lookup, delimitedHostColumns),
		EventTypeCode: firstColumn(lookup, delimitedTypeColumns),
		Payload:       payload.ObjectValue(obj),
	}
	for _, c := range delimitedTimeColumns {
		if t, ok := ParseTime(lookup[c]); ok {
			ev.Timestamp = t
			break
		}
	}
	return ev, nil
}

// columnName returns the header for column i, disambiguating duplicates and
// blanks so no value is lost.
func columnName(columns []string, i int) string {
	name := strings.TrimSpace(columns[i])
	if name == "" {
		name = "column_" + strconv.Itoa(i+1)
	}
	seen := 0
	for j := 0; j < i; j++ {
		if strings.TrimSpace(columns[j]) == name {
			seen++
		}
	}
	if seen > 0 {
		name += "_" + strconv.Itoa(seen+1)
	}
	return name
}

func firstColumn(lookup map[string]string, candidates []string) string {
	for _, c := range candidates {
		if v := strings.TrimSpace(lookup[c]); v != "" {
			return v
		}
	}
	return ""
}

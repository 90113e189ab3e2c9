// Package tasks carries file operations between the API, the CLI and the
// workers over a NATS JetStream work queue, and publishes their results.
package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/telhawk-systems/casehawk/internal/repository"
)

const (
	subjectPrefix = "casehawk.tasks."
	resultPrefix  = "casehawk.results."
	// StreamSubjects is what the task stream captures.
	StreamSubjects = subjectPrefix + ">"
)

// TaskSubject is the subject tasks for op are published on.
func TaskSubject(op repository.Operation) string {
	return subjectPrefix + string(op)
}

// ResultSubject is the subject results for fileID are published on.
func ResultSubject(fileID int64) string {
	return resultPrefix + strconv.FormatInt(fileID, 10)
}

// Task asks a worker to run an operation on one file, or on every file of
// a case when FileID is zero.
type Task struct {
	ID          string               `json:"id"`
	FileID      int64                `json:"file_id,omitempty"`
	CaseID      int64                `json:"case_id,omitempty"`
	Operation   repository.Operation `json:"operation"`
	RequestedBy string               `json:"requested_by,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
}

// NewFileTask builds a task for one file.
func NewFileTask(fileID int64, op repository.Operation, requestedBy string) Task {
	return Task{ID: uuid.NewString(), FileID: fileID, Operation: op, RequestedBy: requestedBy, RequestedAt: time.Now().UTC()}
}

// NewCaseTask builds a case-wide task.
func NewCaseTask(caseID int64, op repository.Operation, requestedBy string) Task {
	return Task{ID: uuid.NewString(), CaseID: caseID, Operation: op, RequestedBy: requestedBy, RequestedAt: time.Now().UTC()}
}

// CaseWide reports whether the task targets a whole case.
func (t Task) CaseWide() bool {
	return t.FileID == 0
}

const taskSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "operation"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "file_id": {"type": "integer", "minimum": 1},
    "case_id": {"type": "integer", "minimum": 1},
    "operation": {"type": "string", "enum": ["full", "reindex", "rule-scan", "ioc-hunt"]},
    "requested_by": {"type": "string"},
    "requested_at": {"type": "string"}
  },
  "anyOf": [
    {"required": ["file_id"]},
    {
      "required": ["case_id"],
      "properties": {"operation": {"enum": ["rule-scan", "ioc-hunt"]}}
    }
  ]
}`

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(taskSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid task schema: %v", err))
	}
	return s
}()

// Decode validates a task message against the task schema and parses it.
func Decode(data []byte) (Task, error) {
	var t Task
	res, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return t, fmt.Errorf("invalid task message: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return t, fmt.Errorf("invalid task message: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("invalid task message: %w", err)
	}
	return t, nil
}

// Encode validates and serialises a task.
func Encode(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}

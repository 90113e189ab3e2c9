package logging

import "log/slog"

// Field names used across packages so log queries stay consistent.
const (
	FieldRequestID = "request_id"
	FieldCaseID    = "case_id"
	FieldFileID    = "file_id"
	FieldOperation = "operation"
	FieldToken     = "task_token"
	FieldIndex     = "index"
	FieldIndicator = "indicator_id"
	FieldRule      = "rule_id"
	FieldOperator  = "operator"
	FieldWorker    = "worker"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func CaseID(id int64) slog.Attr {
	return slog.Int64(FieldCaseID, id)
}

func FileID(id int64) slog.Attr {
	return slog.Int64(FieldFileID, id)
}

func Operation(op string) slog.Attr {
	return slog.String(FieldOperation, op)
}

func Token(token string) slog.Attr {
	return slog.String(FieldToken, token)
}

func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}

func Indicator(id int64) slog.Attr {
	return slog.Int64(FieldIndicator, id)
}

func Rule(id string) slog.Attr {
	return slog.String(FieldRule, id)
}

func Operator(name string) slog.Attr {
	return slog.String(FieldOperator, name)
}

func Worker(id string) slog.Attr {
	return slog.String(FieldWorker, id)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error logs as empty.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Package event defines the normalized interaction record captured from the
// host notebook application and its JSON wire representation.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of host interaction a record describes.
type Type string

const (
	TypeCellExecuted   Type = "cell-executed"
	TypeNotebookOpened Type = "notebook-opened"
	TypeNotebookSaved  Type = "notebook-saved"
	TypeNotebookClosed Type = "notebook-closed"
	TypeHelpStart      Type = "help-start"
	TypeHelpStop       Type = "help-stop"
)

// ParseType validates a raw event type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeCellExecuted, TypeNotebookOpened, TypeNotebookSaved,
		TypeNotebookClosed, TypeHelpStart, TypeHelpStop:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Record is one observed host interaction, normalized and ready for
// transmission. Records are created by the capture stage, owned by the
// buffer until drained into a batch, and destroyed on delivery or drop.
type Record struct {
	ID           string
	Type         Type
	Timestamp    time.Time
	SessionID    string
	NotebookPath string
	UserID       string
	UserName     string

	// Type-specific payload. Zero values are omitted on the wire.
	CellID              string
	CellIndex           int
	CellType            string
	Code                string
	ExecutionCount      int
	HasError            bool
	ErrorMessage        string
	Result              string
	ExecutionDurationMs int64
	Metadata            map[string]interface{}
}

// wireRecord is the collector-facing JSON shape of a record.
type wireRecord struct {
	EventID             string                 `json:"eventId"`
	EventType           string                 `json:"eventType"`
	EventTime           string                 `json:"eventTime"`
	UserID              string                 `json:"userId,omitempty"`
	UserName            string                 `json:"userName,omitempty"`
	SessionID           string                 `json:"sessionId"`
	NotebookPath        string                 `json:"notebookPath,omitempty"`
	CellID              string                 `json:"cellId,omitempty"`
	CellIndex           int                    `json:"cellIndex,omitempty"`
	CellType            string                 `json:"cellType,omitempty"`
	Code                string                 `json:"code,omitempty"`
	ExecutionCount      int                    `json:"executionCount,omitempty"`
	HasError            bool                   `json:"hasError,omitempty"`
	ErrorMessage        string                 `json:"errorMessage,omitempty"`
	Result              string                 `json:"result,omitempty"`
	ExecutionDurationMs int64                  `json:"executionDurationMs,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON renders the record in the collector wire format, with the
// timestamp as ISO-8601.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		EventID:             r.ID,
		EventType:           string(r.Type),
		EventTime:           r.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:              r.UserID,
		UserName:            r.UserName,
		SessionID:           r.SessionID,
		NotebookPath:        r.NotebookPath,
		CellID:              r.CellID,
		CellIndex:           r.CellIndex,
		CellType:            r.CellType,
		Code:                r.Code,
		ExecutionCount:      r.ExecutionCount,
		HasError:            r.HasError,
		ErrorMessage:        r.ErrorMessage,
		Result:              r.Result,
		ExecutionDurationMs: r.ExecutionDurationMs,
		Metadata:            r.Metadata,
	})
}

// EncodeBatch renders an ordered batch of records as the JSON array the
// collector expects.
func EncodeBatch(batch []*Record) ([]byte, error) {
	return json.Marshal(batch)
}

// Raw is the loose cell/notebook context supplied by the host event source,
// before normalization.
type Raw struct {
	Type                string                 `json:"type"`
	Timestamp           string                 `json:"timestamp,omitempty"`
	SessionID           string                 `json:"sessionId"`
	NotebookPath        string                 `json:"notebookPath,omitempty"`
	UserID              string                 `json:"userId,omitempty"`
	UserName            string                 `json:"userName,omitempty"`
	CellID              string                 `json:"cellId,omitempty"`
	CellIndex           int                    `json:"cellIndex,omitempty"`
	CellType            string                 `json:"cellType,omitempty"`
	Code                string                 `json:"code,omitempty"`
	ExecutionCount      int                    `json:"executionCount,omitempty"`
	HasError            bool                   `json:"hasError,omitempty"`
	ErrorMessage        string                 `json:"errorMessage,omitempty"`
	Result              string                 `json:"result,omitempty"`
	ExecutionDurationMs int64                  `json:"executionDurationMs,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize converts a raw host event into a Record, assigning a fresh
// unique ID. A missing timestamp falls back to the current time; a missing
// session or unknown type is an error the caller recovers locally.
func Normalize(raw Raw) (*Record, error) {
	t, err := ParseType(raw.Type)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.SessionID) == "" {
		return nil, fmt.Errorf("event %q has no session id", raw.Type)
	}

	ts := time.Now()
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, raw.Timestamp)
		}
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", raw.Timestamp, err)
		}
		ts = parsed
	}

	return &Record{
		ID:                  uuid.NewString(),
		Type:                t,
		Timestamp:           ts,
		SessionID:           raw.SessionID,
		NotebookPath:        raw.NotebookPath,
		UserID:              raw.UserID,
		UserName:            raw.UserName,
		CellID:              raw.CellID,
		CellIndex:           raw.CellIndex,
		CellType:            raw.CellType,
		Code:                raw.Code,
		ExecutionCount:      raw.ExecutionCount,
		HasError:            raw.HasError,
		ErrorMessage:        raw.ErrorMessage,
		Result:              raw.Result,
		ExecutionDurationMs: raw.ExecutionDurationMs,
		Metadata:            raw.Metadata,
	}, nil
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UnmetDependencyName is the wire classification for a failed precondition.
const UnmetDependencyName = "UnmetDependency"

// EngineInfo attributes a failure to a specific engine.
type EngineInfo struct {
	EngineUUID string `json:"engine_uuid"`
	EngineID   int    `json:"engine_id"`
	Method     string `json:"method,omitempty"`
}

// Metadata is the per-request record attached to every reply envelope.
type Metadata struct {
	Started         time.Time   `json:"started"`
	DependenciesMet bool        `json:"dependencies_met"`
	Engine          string      `json:"engine"`
	Status          Status      `json:"status,omitempty"`
	EngineInfo      *EngineInfo `json:"engine_info,omitempty"`
}

// ReplyContent is the body of an apply_reply and the shared status/error part
// of every other reply.
type ReplyContent struct {
	Status     Status      `json:"status"`
	EName      string      `json:"ename,omitempty"`
	EValue     string      `json:"evalue,omitempty"`
	Traceback  []string    `json:"traceback,omitempty"`
	EngineInfo *EngineInfo `json:"engine_info,omitempty"`
}

// ExecuteReply is the body of an execute_reply.
type ExecuteReply struct {
	ReplyContent
	ExecutionCount  int                       `json:"execution_count"`
	UserExpressions map[string]ExpressionData `json:"user_expressions,omitempty"`
	Payload         []any                     `json:"payload"`
}

// ExpressionData is the result of one user expression: a mime bundle on
// success, error fields otherwise.
type ExpressionData struct {
	Status    Status            `json:"status"`
	Data      map[string]string `json:"data,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	EName     string            `json:"ename,omitempty"`
	EValue    string            `json:"evalue,omitempty"`
	Traceback []string          `json:"traceback,omitempty"`
}

// ExecuteRequest is the content of an execute_request. Pointer fields are
// required or defaulted and must be distinguishable from their zero value.
type ExecuteRequest struct {
	Code            *string           `json:"code"`
	Silent          *bool             `json:"silent"`
	StoreHistory    *bool             `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     *bool             `json:"stop_on_error"`
}

// ApplyRequest is the content of an apply_request. The callable and its
// arguments travel in the envelope buffers, not here.
type ApplyRequest struct{}

// AbortRequest is the content of an abort_request.
type AbortRequest struct {
	MsgIDs MsgIDList `json:"msg_ids"`
}

// MsgIDList decodes either a list of ids or a single id string. Present
// reports whether the field appeared on the wire at all.
type MsgIDList struct {
	IDs     []string
	Present bool
}

// UnmarshalJSON accepts null, a string, or a list. List elements that are
// not strings are converted with their default formatting, so [1, 2] becomes
// ["1", "2"].
func (l *MsgIDList) UnmarshalJSON(data []byte) error {
	l.Present = true
	if string(data) == "null" {
		l.IDs = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		l.IDs = []string{single}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var many []any
	if err := dec.Decode(&many); err != nil {
		return fmt.Errorf("msg_ids must be a string or a list: %w", err)
	}
	l.IDs = make([]string, len(many))
	for i, id := range many {
		l.IDs[i] = fmt.Sprint(id)
	}
	return nil
}

// MarshalJSON writes the ids as a list.
func (l MsgIDList) MarshalJSON() ([]byte, error) {
	if l.IDs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.IDs)
}

// ClearRequest is the content of a clear_request.
type ClearRequest struct{}

// KernelInfoReply describes the engine to a connecting client.
type KernelInfoReply struct {
	Status                Status `json:"status"`
	ProtocolVersion       string `json:"protocol_version"`
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	EngineUUID            string `json:"engine_uuid"`
	EngineID              int    `json:"engine_id"`
}

// StatusContent is published on the status topic around every request.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent carries captured stdout/stderr text.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteInputContent rebroadcasts code an execute_request is about to run.
type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// DataPubContent announces the names published by a running callable. The
// values travel in the message buffers as one serialized map.
type DataPubContent struct {
	Keys []string `json:"keys"`
}

// ExecuteResultContent carries the value of the last expression.
type ExecuteResultContent struct {
	ExecutionCount int               `json:"execution_count"`
	Data           map[string]string `json:"data"`
	Metadata       map[string]any    `json:"metadata"`
}

// TaskRecord is one replied request as kept in the task ledger.
type TaskRecord struct {
	MsgID           string     `json:"msg_id"`
	MsgType         string     `json:"msg_type"`
	Status          Status     `json:"status"`
	EName           string     `json:"ename,omitempty"`
	EValue          string     `json:"evalue,omitempty"`
	DependenciesMet bool       `json:"dependencies_met"`
	Engine          string     `json:"engine"`
	ResultBytes     int        `json:"result_bytes"`
	DurationMS      int        `json:"duration_ms"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

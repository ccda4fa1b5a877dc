// Package housekeeper runs background cleanup tasks consumed from a queue, retrying
// failures through a single-partition reprocessing topic and escalating tasks that
// exhaust their attempts.
package housekeeper

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

type TaskType string

const (
	DeleteAttributes     TaskType = "DELETE_ATTRIBUTES"
	DeleteTelemetry      TaskType = "DELETE_TELEMETRY"
	DeleteLatestTs       TaskType = "DELETE_LATEST_TS"
	DeleteTsHistory      TaskType = "DELETE_TS_HISTORY"
	DeleteEvents         TaskType = "DELETE_EVENTS"
	UnassignAlarms       TaskType = "UNASSIGN_ALARMS"
	DeleteAlarms         TaskType = "DELETE_ALARMS"
	DeleteTenantEntities TaskType = "DELETE_TENANT_ENTITIES"
	DeleteEntities       TaskType = "DELETE_ENTITIES"
)

var taskDescriptions = map[TaskType]string{
	DeleteAttributes:     "attributes deletion",
	DeleteTelemetry:      "telemetry deletion",
	DeleteLatestTs:       "latest telemetry deletion",
	DeleteTsHistory:      "timeseries history deletion",
	DeleteEvents:         "events deletion",
	UnassignAlarms:       "alarms unassigning",
	DeleteAlarms:         "alarms deletion",
	DeleteTenantEntities: "tenant entities deletion",
	DeleteEntities:       "entities deletion",
}

// TaskTypes lists every known task type
func TaskTypes() []TaskType {
	return []TaskType{
		DeleteAttributes, DeleteTelemetry, DeleteLatestTs, DeleteTsHistory, DeleteEvents,
		UnassignAlarms, DeleteAlarms, DeleteTenantEntities, DeleteEntities,
	}
}

// Known reports whether t is one of the declared task types
func (t TaskType) Known() bool {
	_, ok := taskDescriptions[t]
	return ok
}

func (t TaskType) Description() string {
	if d, ok := taskDescriptions[t]; ok {
		return d
	}
	return string(t)
}

// MaxErrorLength bounds each recorded failure detail, in characters
const MaxErrorLength = 1024

// Task is one unit of housekeeping work. Attempt counts prior failed executions;
// Errors holds their distinct details in order of first occurrence.
type Task struct {
	Type         TaskType          `json:"task_type"`
	TenantID     string            `json:"tenant_id"`
	EntityID     string            `json:"entity_id"`
	EntityType   string            `json:"entity_type"`
	Key          string            `json:"key,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Attempt      int               `json:"attempt"`
	Errors       []string          `json:"errors,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Description is a human readable summary used in logs and notifications
func (t Task) Description() string {
	d := t.Type.Description()
	if t.Key != "" {
		d += fmt.Sprintf(" for key '%s'", t.Key)
	}
	if t.EntityID != "" {
		d += fmt.Sprintf(" of %s %s", t.EntityType, t.EntityID)
	}
	return d
}

// withFailure returns the task as it is resubmitted after err: attempt incremented,
// the truncated error appended unless already recorded.
func (t Task) withFailure(err error) Task {
	next := t
	next.Attempt = t.Attempt + 1
	next.Errors = make([]string, 0, len(t.Errors)+1)
	seen := make(map[string]bool, len(t.Errors)+1)
	for _, e := range t.Errors {
		if !seen[e] {
			seen[e] = true
			next.Errors = append(next.Errors, e)
		}
	}
	if detail := truncate(errorDetail(err)); !seen[detail] {
		next.Errors = append(next.Errors, detail)
	}
	return next
}

func errorDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxErrorLength])
}

func encodeTask(t Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return b, nil
}

func decodeTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.Type == "" {
		return Task{}, fmt.Errorf("decode task: missing task_type")
	}
	return t, nil
}

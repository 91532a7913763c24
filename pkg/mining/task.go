// Package mining owns the persisted mining tasks and their interconnection
// graph: creation with schema-validated search parameters, lifecycle
// transitions, retries with exponential backoff, and result propagation
// along feed/filter/combine/sequence edges.
package mining

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// TaskType names a source family a mining task collects from.
type TaskType string

// Supported task types.
const (
	TypeWeb        TaskType = "web"
	TypeGitHub     TaskType = "github"
	TypeAcademic   TaskType = "academic"
	TypeYouTube    TaskType = "youtube"
	TypeCodeSearch TaskType = "code_search"
)

// TaskStatus is the lifecycle state of a mining task.
type TaskStatus string

// Mining task states.
const (
	StatusActive    TaskStatus = "active"
	StatusInactive  TaskStatus = "inactive"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusError     TaskStatus = "error"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Task is one persisted mining task.
type Task struct {
	TaskID       string         `json:"task_id"`
	Name         string         `json:"name"`
	TaskType     TaskType       `json:"task_type"`
	Description  string         `json:"description,omitempty"`
	SearchParams map[string]any `json:"search_params"`
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	MaxRetries   int            `json:"max_retries"`
	RetryCount   int            `json:"retry_count"`

	// TimeoutS bounds one collection run, in seconds. Zero means no limit.
	TimeoutS int `json:"timeout_s,omitempty"`

	Results      map[string]any `json:"results,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ContextFiles []string       `json:"context_files,omitempty"`
}

// InterconnectionType is how one task's outcome influences another.
type InterconnectionType string

// Interconnection types.
const (
	// InterconnectFeed copies the source's results into the target's
	// search parameters and runs the target.
	InterconnectFeed InterconnectionType = "feed"

	// InterconnectFilter rewrites the target's results with the source's
	// results as filter criteria.
	InterconnectFilter InterconnectionType = "filter"

	// InterconnectCombine writes a combined record into both tasks.
	InterconnectCombine InterconnectionType = "combine"

	// InterconnectSequence runs the target after the source, payload-free.
	InterconnectSequence InterconnectionType = "sequence"
)

// Interconnection is one directed edge between two mining tasks.
type Interconnection struct {
	ID           string              `json:"id"`
	SourceTaskID string              `json:"source_task_id"`
	TargetTaskID string              `json:"target_task_id"`
	Type         InterconnectionType `json:"type"`
	Status       string              `json:"status"`
	Description  string              `json:"description,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// Interconnection statuses.
const (
	InterconnectActive   = "active"
	InterconnectInactive = "inactive"
)

// Validation errors.
var (
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrInvalidParams    = errors.New("invalid search params")
	ErrUnknownEdgeType  = errors.New("unknown interconnection type")
	ErrMissingEndpoints = errors.New("interconnection endpoint missing")
)

// searchParamSchemas holds one JSON schema per task type; search parameters
// validate against it on creation and update.
var searchParamSchemas = map[TaskType]string{
	TypeWeb: `{
		"type": "object",
		"required": ["urls"],
		"properties": {
			"urls": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"timeout_s": {"type": "integer", "minimum": 1},
			"force_refresh": {"type": "boolean"}
		}
	}`,
	TypeGitHub: `{
		"type": "object",
		"required": ["kind"],
		"properties": {
			"kind": {"enum": ["repo", "contents", "commits", "issues", "pulls", "user",
				"search_repos", "search_code", "search_issues"]},
			"repo": {"type": "string"},
			"user": {"type": "string"},
			"path": {"type": "string"},
			"query": {"type": "string"},
			"max_items": {"type": "integer", "minimum": 1}
		}
	}`,
	TypeAcademic: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"max_items": {"type": "integer", "minimum": 1}
		}
	}`,
	TypeYouTube: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"max_items": {"type": "integer", "minimum": 1}
		}
	}`,
	TypeCodeSearch: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"language": {"type": "string"},
			"max_items": {"type": "integer", "minimum": 1}
		}
	}`,
}

// ValidateParams checks the search parameters against the task type's schema.
func ValidateParams(taskType TaskType, params map[string]any) error {
	schema, ok := searchParamSchemas[taskType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("validate search params: %w", err)
	}

	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(issues, "; "))
}

// validEdgeType reports whether t is a known interconnection type.
func validEdgeType(t InterconnectionType) bool {
	switch t {
	case InterconnectFeed, InterconnectFilter, InterconnectCombine, InterconnectSequence:
		return true
	default:
		return false
	}
}

// toDoc converts a value to its store document form.
func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	var doc map[string]any

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return doc, nil
}

// fromDoc fills a typed value from its store document form.
func fromDoc(doc map[string]any, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	err = json.Unmarshal(raw, v)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}

	return nil
}

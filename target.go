package streamclient

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	logsPath  = "logs"
	tasksPath = "tasks"
)

// Target identifies what a connection subscribes to server side: a logical stream path plus
// optional filters sent as query parameters. The auth token is never part of a Target.
type Target struct {
	Path  string
	Query url.Values
}

// LogFilters narrow a log stream server side. Empty fields are not sent.
type LogFilters struct {
	AgentID string
	TaskID  string
	Level   string
}

func NewTarget(path string, query url.Values) Target {
	return Target{Path: strings.Trim(path, "/"), Query: query}
}

// ParseTarget reads a target in its String form, e.g. `logs?level=error`.
func ParseTarget(s string) (Target, error) {
	path, rawQuery, _ := strings.Cut(s, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Target{}, errors.Wrapf(err, "invalid target %q", s)
	}
	if len(query) == 0 {
		query = nil
	}
	return NewTarget(path, query), nil
}

// LogsTarget is the log stream narrowed by f.
func LogsTarget(f LogFilters) Target {
	q := url.Values{}
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if f.TaskID != "" {
		q.Set("task_id", f.TaskID)
	}
	if f.Level != "" {
		q.Set("level", f.Level)
	}
	if len(q) == 0 {
		q = nil
	}
	return NewTarget(logsPath, q)
}

// TaskTarget is the stream of a single task.
func TaskTarget(taskID string) Target {
	return NewTarget(tasksPath+"/"+url.PathEscape(taskID), nil)
}

func (t Target) IsZero() bool {
	return t.Path == "" && len(t.Query) == 0
}

// String renders path and sorted query. Two targets are equivalent iff their strings match.
func (t Target) String() string {
	if len(t.Query) == 0 {
		return t.Path
	}
	return t.Path + "?" + t.Query.Encode()
}

func (t Target) Equal(other Target) bool {
	return t.String() == other.String()
}

package hook

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// ToolKind is the closed set of tools a task description is derived from.
type ToolKind int

const (
	ToolOther ToolKind = iota
	ToolRead
	ToolEdit
	ToolWrite
	ToolBash
	ToolGrep
	ToolGlob
	ToolWebFetch
	ToolWebSearch
	ToolTask
	ToolTodoWrite
)

var toolNames = map[string]ToolKind{
	"Read":         ToolRead,
	"Edit":         ToolEdit,
	"MultiEdit":    ToolEdit,
	"NotebookEdit": ToolEdit,
	"Write":        ToolWrite,
	"Bash":         ToolBash,
	"Grep":         ToolGrep,
	"Glob":         ToolGlob,
	"WebFetch":     ToolWebFetch,
	"WebSearch":    ToolWebSearch,
	"Task":         ToolTask,
	"TodoWrite":    ToolTodoWrite,
}

// ParseTool maps a tool name to its kind. Unknown names are ToolOther.
func ParseTool(name string) ToolKind {
	if k, ok := toolNames[name]; ok {
		return k
	}
	return ToolOther
}

// ToolInput is the subset of tool arguments used for descriptions.
type ToolInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Path         string `json:"path"`
	Command      string `json:"command"`
	Description  string `json:"description"`
	Pattern      string `json:"pattern"`
	URL          string `json:"url"`
	Query        string `json:"query"`
}

// ParseToolInput decodes raw tool arguments, tolerating anything that is
// not a JSON object.
func ParseToolInput(raw json.RawMessage) ToolInput {
	var in ToolInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	return in
}

const maxDetail = 60

// Describe renders a short human readable task for a tool call.
func Describe(kind ToolKind, name string, in ToolInput) string {
	switch kind {
	case ToolRead:
		return withDetail("Reading", fileName(in))
	case ToolEdit:
		return withDetail("Editing", fileName(in))
	case ToolWrite:
		return withDetail("Writing", fileName(in))
	case ToolBash:
		if in.Description != "" {
			return truncate(in.Description)
		}
		return withDetail("Running", in.Command)
	case ToolGrep:
		return withDetail("Searching for", in.Pattern)
	case ToolGlob:
		return withDetail("Finding files", in.Pattern)
	case ToolWebFetch:
		return withDetail("Fetching", in.URL)
	case ToolWebSearch:
		return withDetail("Searching the web for", in.Query)
	case ToolTask:
		return withDetail("Delegating", in.Description)
	case ToolTodoWrite:
		return "Updating todo list"
	default:
		if name == "" {
			return "Working"
		}
		return "Using " + name
	}
}

func fileName(in ToolInput) string {
	for _, p := range []string{in.FilePath, in.NotebookPath, in.Path} {
		if p != "" {
			return filepath.Base(p)
		}
	}
	return ""
}

func withDetail(verb, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return verb
	}
	return verb + " " + truncate(detail)
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxDetail {
		return s
	}
	return string(r[:maxDetail-3]) + "..."
}

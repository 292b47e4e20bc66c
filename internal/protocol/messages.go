// Package protocol is the editor-facing command surface of a sapling
// Engine: request, response and event messages, a dispatcher onto the
// Engine, and the JSON-lines and websocket transports that carry them.
package protocol

import (
	"encoding/json"

	"github.com/jward/sapling"
)

// Command names.
const (
	CmdAddFile                = "add_file"
	CmdAddDirectory           = "add_directory"
	CmdAddArchive             = "add_archive"
	CmdUnloadFile             = "unload_file"
	CmdApplyChanges           = "apply_changes"
	CmdCloseBuffer            = "close_buffer"
	CmdHasErrors              = "has_errors"
	CmdGetDiagnostics         = "get_diagnostics"
	CmdGetCompletions         = "get_completions"
	CmdGetTopLevelCompletions = "get_top_level_completions"
	CmdGetSignatures          = "get_signatures"
	CmdGetModules             = "get_modules"
	CmdGetModuleMembers       = "get_module_members"
	CmdSetOptions             = "set_options"
	CmdModulesChanged         = "modules_changed"
	CmdWaitIdle               = "wait_idle"
)

// Request is one command from the editor. ID is echoed in the response.
type Request struct {
	ID      int64           `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. A failed command has OK
// false and Error set; the connection stays usable.
type Response struct {
	ID     int64  `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventMessage carries an engine event to the editor.
type EventMessage struct {
	Event sapling.Event `json:"event"`
}

type AddFileParams struct {
	Path           string `json:"path"`
	DiscoveredFrom string `json:"discovered_from,omitempty"`
}

type PathParams struct {
	Path string `json:"path"`
}

type HandleParams struct {
	Handle sapling.Handle `json:"handle"`
}

type ApplyChangesParams struct {
	Handle  sapling.Handle   `json:"handle"`
	Changes []sapling.Change `json:"changes"`
}

type PositionParams struct {
	Handle   sapling.Handle            `json:"handle"`
	Position sapling.Position          `json:"position"`
	Options  sapling.CompletionOptions `json:"options"`
}

type ModuleParams struct {
	Module string `json:"module"`
}

// SetOptionsParams changes only the settings present in the message.
type SetOptionsParams struct {
	ImplicitProject *bool     `json:"implicit_project,omitempty"`
	IndentSeverity  *string   `json:"indent_severity,omitempty"`
	TaskTokens      *[]string `json:"task_tokens,omitempty"`
}

type ModulesChangedParams struct {
	Modules []string `json:"modules,omitempty"`
}

// WaitIdleParams bounds the wait. Zero waits until the engine is idle or
// the connection ends.
type WaitIdleParams struct {
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

type HandleResult struct {
	Handle sapling.Handle `json:"handle"`
}

type HasErrorsResult struct {
	HasErrors bool `json:"has_errors"`
}

type IdleResult struct {
	Idle bool `json:"idle"`
}

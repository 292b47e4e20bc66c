package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jward/sapling"
)

// Backend is the engine surface the protocol drives. *sapling.Engine
// implements it.
type Backend interface {
	AddFile(path, discoveredFrom string) (sapling.Handle, error)
	AddDirectory(root string) error
	AddArchive(path string) error
	UnloadFile(h sapling.Handle) error
	ApplyChanges(h sapling.Handle, changes []sapling.Change) error
	CloseBuffer(h sapling.Handle) error
	HasErrors(h sapling.Handle) (bool, error)
	Diagnostics(h sapling.Handle) ([]sapling.Diagnostic, error)
	Completions(h sapling.Handle, pos sapling.Position, opts sapling.CompletionOptions) ([]sapling.Completion, error)
	TopLevelCompletions(h sapling.Handle, pos sapling.Position) ([]sapling.Completion, error)
	Signatures(h sapling.Handle, pos sapling.Position) ([]sapling.Signature, error)
	Modules(opts sapling.ModuleOptions) ([]sapling.ModuleInfo, error)
	ModuleMembers(module string) ([]sapling.Completion, error)
	Settings() sapling.Settings
	SetOptions(s sapling.Settings) error
	ModulesChanged(names ...string) error
	WaitForIdle(ctx context.Context) error
	Subscribe(fn func(sapling.Event)) (cancel func())
}

var _ Backend = (*sapling.Engine)(nil)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests onto a Backend.
type Server struct {
	backend  Backend
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// NewServer creates a Server for b.
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{backend: b, logger: logger}
	s.handlers = map[string]handlerFunc{
		CmdAddFile:                s.addFile,
		CmdAddDirectory:           s.addDirectory,
		CmdAddArchive:             s.addArchive,
		CmdUnloadFile:             s.unloadFile,
		CmdApplyChanges:           s.applyChanges,
		CmdCloseBuffer:            s.closeBuffer,
		CmdHasErrors:              s.hasErrors,
		CmdGetDiagnostics:         s.diagnostics,
		CmdGetCompletions:         s.completions,
		CmdGetTopLevelCompletions: s.topLevelCompletions,
		CmdGetSignatures:          s.signatures,
		CmdGetModules:             s.modules,
		CmdGetModuleMembers:       s.moduleMembers,
		CmdSetOptions:             s.setOptions,
		CmdModulesChanged:         s.modulesChanged,
		CmdWaitIdle:               s.waitIdle,
	}
	return s
}

// Handle runs one request. Failures are reported in the response, never
// returned.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	h, ok := s.handlers[req.Command]
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		s.logger.Debug("command failed", slog.String("command", req.Command), slog.Any("error", err))
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// decode unmarshals params into P. Missing params decode as the zero value.
func decode[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("bad params: %w", err)
	}
	return p, nil
}

var errMissingPath = errors.New("bad params: path is required")

func (s *Server) addFile(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[AddFileParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errMissingPath
	}
	h, err := s.backend.AddFile(p.Path, p.DiscoveredFrom)
	if err != nil {
		return nil, err
	}
	return HandleResult{Handle: h}, nil
}

func (s *Server) addDirectory(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[PathParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errMissingPath
	}
	return nil, s.backend.AddDirectory(p.Path)
}

func (s *Server) addArchive(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[PathParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errMissingPath
	}
	return nil, s.backend.AddArchive(p.Path)
}

func (s *Server) unloadFile(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[HandleParams](raw)
	if err != nil {
		return nil, err
	}
	return nil, s.backend.UnloadFile(p.Handle)
}

func (s *Server) applyChanges(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[ApplyChangesParams](raw)
	if err != nil {
		return nil, err
	}
	return nil, s.backend.ApplyChanges(p.Handle, p.Changes)
}

func (s *Server) closeBuffer(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[HandleParams](raw)
	if err != nil {
		return nil, err
	}
	return nil, s.backend.CloseBuffer(p.Handle)
}

func (s *Server) hasErrors(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[HandleParams](raw)
	if err != nil {
		return nil, err
	}
	has, err := s.backend.HasErrors(p.Handle)
	if err != nil {
		return nil, err
	}
	return HasErrorsResult{HasErrors: has}, nil
}

func (s *Server) diagnostics(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[HandleParams](raw)
	if err != nil {
		return nil, err
	}
	diags, err := s.backend.Diagnostics(p.Handle)
	if err != nil {
		return nil, err
	}
	if diags == nil {
		diags = []sapling.Diagnostic{}
	}
	return diags, nil
}

func (s *Server) completions(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[PositionParams](raw)
	if err != nil {
		return nil, err
	}
	return s.backend.Completions(p.Handle, p.Position, p.Options)
}

func (s *Server) topLevelCompletions(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[PositionParams](raw)
	if err != nil {
		return nil, err
	}
	return s.backend.TopLevelCompletions(p.Handle, p.Position)
}

func (s *Server) signatures(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[PositionParams](raw)
	if err != nil {
		return nil, err
	}
	return s.backend.Signatures(p.Handle, p.Position)
}

func (s *Server) modules(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sapling.ModuleOptions](raw)
	if err != nil {
		return nil, err
	}
	return s.backend.Modules(p)
}

func (s *Server) moduleMembers(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[ModuleParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Module == "" {
		return nil, errors.New("bad params: module is required")
	}
	return s.backend.ModuleMembers(p.Module)
}

func (s *Server) setOptions(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[SetOptionsParams](raw)
	if err != nil {
		return nil, err
	}
	settings := s.backend.Settings()
	if p.ImplicitProject != nil {
		settings.ImplicitProject = *p.ImplicitProject
	}
	if p.IndentSeverity != nil {
		settings.IndentSeverity = *p.IndentSeverity
	}
	if p.TaskTokens != nil {
		settings.TaskTokens = *p.TaskTokens
	}
	if err := s.backend.SetOptions(settings); err != nil {
		return nil, err
	}
	return s.backend.Settings(), nil
}

func (s *Server) modulesChanged(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[ModulesChangedParams](raw)
	if err != nil {
		return nil, err
	}
	return nil, s.backend.ModulesChanged(p.Modules...)
}

func (s *Server) waitIdle(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[WaitIdleParams](raw)
	if err != nil {
		return nil, err
	}
	if p.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	err = s.backend.WaitForIdle(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return IdleResult{Idle: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return IdleResult{Idle: true}, nil
}

// Package engine runs the version gate: locate a target in the host's current
// source, fingerprint it, and transform and install the patch only when the
// fingerprint is a known, unpatched version.
//
// Every failure is converted into "the original stays bound"; Apply never
// returns an error, only an Outcome describing what happened.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/installer"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/transform"
)

var (
	// ErrNoSpec is returned when a target has no patch spec.
	ErrNoSpec = errors.New("no patch spec for target")

	// ErrPanic wraps a panic recovered during an attempt.
	ErrPanic = errors.New("patch attempt panicked")
)

// State is the version gate state of a target after an attempt.
type State string

const (
	StateUnknownVersion State = "UNKNOWN_VERSION"
	StateKnownUnpatched State = "KNOWN_UNPATCHED"
	StateKnownPatched   State = "KNOWN_PATCHED"
)

// Result classifies an attempt for logs and metrics.
type Result string

const (
	ResultInstalled      Result = "installed"
	ResultNoop           Result = "noop"
	ResultAlreadyPresent Result = "already_present"
	ResultKept           Result = "kept"
	ResultUnknown        Result = "unknown_fingerprint"
	ResultNotFound       Result = "locate_failure"
	ResultMismatch       Result = "structural_mismatch"
	ResultCompileError   Result = "compile_error"
	ResultError          Result = "error"
)

// Outcome describes one attempt.
type Outcome struct {
	Target   patchspec.Target
	SpecID   string
	State    State
	Result   Result
	Digest   fingerprint.Digest
	Tags     []string
	Duration time.Duration
	Err      error
}

// Locator finds a function span in module source.
type Locator interface {
	Locate(ctx context.Context, source []byte, container, function string) (*python.FunctionSpan, error)
}

// Recorder receives one call per attempt.
type Recorder interface {
	RecordPatchAttempt(target, state, result string, duration time.Duration)
}

// Config configures an Engine.
type Config struct {
	Registry *fingerprint.Registry
	Specs    *patchspec.Set
	Manager  *installer.PatchManager

	// Locator defaults to the tree-sitter parser.
	Locator Locator

	// Recorder is optional.
	Recorder Recorder

	// Logger for logging events
	Logger *slog.Logger
}

// Engine evaluates the version gate for each target with a spec.
type Engine struct {
	registry *fingerprint.Registry
	specs    *patchspec.Set
	manager  *installer.PatchManager
	locator  Locator
	recorder Recorder
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	warnedMu sync.Mutex
	warned   map[string]bool
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if cfg.Specs == nil {
		return nil, fmt.Errorf("engine: specs are required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("engine: patch manager is required")
	}

	e := &Engine{
		registry: cfg.Registry,
		specs:    cfg.Specs,
		manager:  cfg.Manager,
		locator:  cfg.Locator,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		locks:    make(map[string]*sync.Mutex),
		warned:   make(map[string]bool),
	}
	if e.locator == nil {
		e.locator = python.NewParser()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// ApplyAll runs Apply for every target with a spec, in spec load order.
func (e *Engine) ApplyAll(ctx context.Context) []Outcome {
	targets := e.specs.Targets()
	out := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		out = append(out, e.Apply(ctx, target))
	}
	return out
}

// Apply evaluates the version gate for target once. Attempts on the same
// target are serialized.
func (e *Engine) Apply(ctx context.Context, target patchspec.Target) (out Outcome) {
	unlock := e.lock(target)
	defer unlock()

	start := time.Now()
	out = Outcome{Target: target, State: StateUnknownVersion}
	defer func() {
		if r := recover(); r != nil {
			out.Result = ResultError
			out.Err = fmt.Errorf("%w: %s: %v", ErrPanic, target, r)
			e.logger.Error("Patch attempt panicked, original left bound",
				"target", target.String(),
				"panic", r)
		}
		out.Duration = time.Since(start)
		if e.recorder != nil {
			e.recorder.RecordPatchAttempt(target.String(), string(out.State), string(out.Result), out.Duration)
		}
	}()

	e.attempt(ctx, target, &out)
	return out
}

func (e *Engine) attempt(ctx context.Context, target patchspec.Target, out *Outcome) {
	log := e.logger.With("target", target.String())

	spec, ok := e.specs.For(target)
	if !ok {
		out.Result = ResultError
		out.Err = fmt.Errorf("%w: %s", ErrNoSpec, target)
		return
	}
	out.SpecID = spec.ID

	src, err := e.manager.Host().ModuleSource(ctx, target)
	if err != nil {
		out.Result = ResultError
		out.Err = fmt.Errorf("read host source: %w", err)
		log.Warn("Cannot read host source, patch not applied", "error", err)
		return
	}

	span, err := e.locator.Locate(ctx, src, target.Container, target.Function)
	if err != nil {
		out.Err = err
		if errors.Is(err, python.ErrNotFound) {
			out.Result = ResultNotFound
			log.Warn("locate failure, patch not applied", "error", err)
		} else {
			out.Result = ResultError
			log.Error("Cannot parse host source, patch not applied", "error", err)
		}
		return
	}

	digest := fingerprint.Hash(span.Text)
	out.Digest = digest
	out.Tags = e.registry.TagsFor(target.String(), digest)
	log = log.With("digest", digest.Short())

	installed, hasInstalled := e.manager.Installed(target)
	if hasInstalled && installed.AppliedFingerprint == digest {
		out.State = StateKnownPatched
		out.Result = ResultNoop
		log.Debug("Patch already installed")
		return
	}

	if !e.registry.IsKnown(target.String(), digest) {
		if transform.Presence(span.Text, spec).All() {
			out.State = StateKnownPatched
			out.Result = ResultAlreadyPresent
			e.infoOnce(target, digest, "Host source already carries the patch, nothing to install")
			return
		}
		out.Err = fmt.Errorf("%w: %s %s", installer.ErrUnknownFingerprint, target, digest)
		if hasInstalled {
			out.Result = ResultKept
			e.warnOnce(target, digest, "Host source changed to an unknown version, keeping installed patch",
				"installed_digest", installed.AppliedFingerprint.Short())
			return
		}
		out.Result = ResultUnknown
		e.warnOnce(target, digest, "Unknown version of host function, patch NOT applied")
		return
	}

	out.State = StateKnownUnpatched
	log = log.With("tags", out.Tags)

	res, err := transform.Apply(span.Text, spec)
	if err != nil {
		out.Result = ResultMismatch
		out.Err = err
		log.Error("Patch does not fit known version, original left bound", "error", err)
		return
	}
	if !res.Changed {
		out.State = StateKnownPatched
		out.Result = ResultAlreadyPresent
		return
	}

	if _, err := e.manager.Install(ctx, target, spec.ID, res.Variant(), res.Text, digest); err != nil {
		out.Err = err
		if errors.Is(err, installer.ErrCompile) || errors.Is(err, installer.ErrMissingSymbol) {
			out.Result = ResultCompileError
		} else {
			out.Result = ResultError
		}
		log.Error("Patch install failed, original left bound", "error", err)
		return
	}

	out.State = StateKnownPatched
	out.Result = ResultInstalled
}

func (e *Engine) warnOnce(target patchspec.Target, digest fingerprint.Digest, msg string, args ...any) {
	if !e.firstTime(target, digest) {
		return
	}
	args = append([]any{"target", target.String(), "digest", string(digest)}, args...)
	e.logger.Warn(msg, args...)
}

func (e *Engine) infoOnce(target patchspec.Target, digest fingerprint.Digest, msg string) {
	if !e.firstTime(target, digest) {
		return
	}
	e.logger.Info(msg, "target", target.String(), "digest", string(digest))
}

func (e *Engine) firstTime(target patchspec.Target, digest fingerprint.Digest) bool {
	key := target.String() + "@" + string(digest)
	e.warnedMu.Lock()
	defer e.warnedMu.Unlock()
	if e.warned[key] {
		return false
	}
	e.warned[key] = true
	return true
}

func (e *Engine) lock(target patchspec.Target) func() {
	key := target.String()
	e.locksMu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

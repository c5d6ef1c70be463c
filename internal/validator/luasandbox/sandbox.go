// Package luasandbox executes synthesized Lua validator modules inside a
// restricted interpreter.
//
// Isolation model: every invocation builds a fresh Lua state, so validator
// code cannot keep cross-invocation state. Only the base, table, string,
// and math libraries are opened; os and io never exist in the environment
// and the file-loading escape hatches of the base library are removed.
// Wall-clock, instruction-count, and concurrency envelopes are enforced
// by the host.
package luasandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/platform/timeouts"
	"github.com/louisbranch/coplay.space/internal/validator"
	"golang.org/x/sync/semaphore"
)

// entrypoint is the global function every validator module must define.
const entrypoint = "validate"

const (
	defaultMaxSourceBytes    = 256 * 1024
	defaultMaxConcurrent     = 64
	defaultInstructionBudget = 50_000_000
	// hookQuantum is how many instructions run between budget checks.
	hookQuantum = 1000
)

// Sandbox runs validator sources with resource envelopes. The wall clock
// bounds how long a caller waits; the instruction budget bounds how long
// an interpreter may actually run, so a non-terminating script aborts and
// returns its concurrency slot instead of pinning it forever.
type Sandbox struct {
	deadline          time.Duration
	maxSourceBytes    int
	instructionBudget int
	slots             *semaphore.Weighted
}

// Option adjusts sandbox limits.
type Option func(*Sandbox)

// WithDeadline overrides the per-invocation wall-clock budget.
func WithDeadline(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.deadline = d
		}
	}
}

// WithMaxSourceBytes overrides the validator source size cap.
func WithMaxSourceBytes(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxSourceBytes = n
		}
	}
}

// WithInstructionBudget overrides how many Lua instructions one
// invocation may execute before the interpreter aborts it.
func WithInstructionBudget(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.instructionBudget = n
		}
	}
}

// WithMaxConcurrent overrides the number of simultaneous interpreters.
func WithMaxConcurrent(n int64) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(n)
		}
	}
}

// New builds a sandbox with the default envelopes.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		deadline:          timeouts.Validator,
		maxSourceBytes:    defaultMaxSourceBytes,
		instructionBudget: defaultInstructionBudget,
		slots:             semaphore.NewWeighted(defaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type invocation struct {
	result validator.Result
	err    error
}

// Invoke runs source's validate function against the input. Violations of
// the resource envelope surface as VALIDATOR_TIMEOUT or VALIDATOR_LIMIT;
// script crashes surface as VALIDATOR_UNAVAILABLE so the runtime can fall
// back deterministically.
func (s *Sandbox) Invoke(ctx context.Context, source string, in validator.Input) (validator.Result, error) {
	if len(source) > s.maxSourceBytes {
		return validator.Result{}, perrors.New(perrors.CodeValidatorLimit,
			fmt.Sprintf("validator source exceeds %d bytes", s.maxSourceBytes))
	}

	if !s.slots.TryAcquire(1) {
		return validator.Result{}, perrors.New(perrors.CodeValidatorLimit, "sandbox concurrency exhausted")
	}

	done := make(chan invocation, 1)
	go func() {
		defer s.slots.Release(1)
		result, err := s.run(source, in)
		done <- invocation{result: result, err: err}
	}()

	timer := time.NewTimer(s.deadline)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return validator.Result{}, perrors.Wrap(perrors.CodeValidatorTimeout, "validator invocation cancelled", ctx.Err())
	case <-timer.C:
		// The abandoned interpreter runs on until its instruction budget
		// aborts it, at which point its slot comes back.
		return validator.Result{}, perrors.New(perrors.CodeValidatorTimeout, "validator exceeded deadline")
	}
}

// run executes one invocation on a dedicated interpreter.
func (s *Sandbox) run(source string, in validator.Input) (result validator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = perrors.New(perrors.CodeValidatorUnavailable, fmt.Sprintf("validator panicked: %v", r))
		}
	}()

	l := lua.NewState()
	openRestrictedLibraries(l)
	s.armInstructionBudget(l)

	if loadErr := lua.LoadString(l, source); loadErr != nil {
		return validator.Result{}, perrors.Wrap(perrors.CodeValidatorUnavailable, "load validator source", loadErr)
	}
	if callErr := l.ProtectedCall(0, 0, 0); callErr != nil {
		return validator.Result{}, callError("initialize validator module", callErr)
	}

	l.Global(entrypoint)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return validator.Result{}, perrors.New(perrors.CodeValidatorUnavailable, "validator module defines no validate function")
	}

	pushInput(l, in)
	if callErr := l.ProtectedCall(1, 1, 0); callErr != nil {
		return validator.Result{}, callError("invoke validator", callErr)
	}

	if l.TypeOf(-1) != lua.TypeTable {
		l.Pop(1)
		return validator.Result{}, perrors.New(perrors.CodeValidatorUnavailable, "validator returned no result table")
	}
	fields := tableToMap(l, -1)
	l.Pop(1)

	return decodeResult(fields, in), nil
}

const budgetExhausted = "instruction budget exhausted"

// armInstructionBudget aborts the interpreter once it has executed more
// instructions than the budget allows. The abort raises a regular Lua
// runtime error, so it surfaces through ProtectedCall like any script
// failure and the interpreter goroutine terminates.
func (s *Sandbox) armInstructionBudget(l *lua.State) {
	executed := 0
	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		executed += hookQuantum
		if executed > s.instructionBudget {
			lua.Errorf(state, budgetExhausted)
		}
	}, lua.MaskCount, hookQuantum)
}

// callError classifies a ProtectedCall failure: a budget abort is a
// resource violation, anything else means the validator itself is broken.
func callError(stage string, err error) error {
	if strings.Contains(err.Error(), budgetExhausted) {
		return perrors.Wrap(perrors.CodeValidatorLimit, stage, err)
	}
	return perrors.Wrap(perrors.CodeValidatorUnavailable, stage, err)
}

// openRestrictedLibraries opens the deterministic subset of the standard
// libraries and strips the base library's escape hatches.
func openRestrictedLibraries(l *lua.State) {
	for _, library := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"table", lua.TableOpen},
		{"string", lua.StringOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, library.name, library.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

// decodeResult maps the Lua result table onto the validator contract.
// Missing timestamps inherit the input stamp so validators cannot invent
// their own time source.
func decodeResult(fields map[string]any, in validator.Input) validator.Result {
	result := validator.Result{Timestamp: in.Timestamp}
	if valid, ok := fields["valid"].(bool); ok {
		result.Valid = valid
	}
	if reason, ok := fields["reason"].(string); ok {
		result.Reason = reason
	}
	if updated, ok := fields["updatedState"].(map[string]any); ok {
		result.UpdatedState = game.Document(updated)
	}
	if broadcast, ok := fields["broadcast"].(string); ok {
		result.Broadcast = game.BroadcastKind(broadcast)
	}
	if changes, ok := fields["changes"].(map[string]any); ok {
		result.Changes = changes
	}
	if metadata, ok := fields["metadata"].(map[string]any); ok {
		result.Metadata = metadata
	}
	return result
}

package luasandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/coplay.space/internal/artifact"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/validator"
)

// Module adapts one deployed validator source to the validator contract.
type Module struct {
	sandbox *Sandbox
	source  string
}

// Validate implements validator.Module.
func (m *Module) Validate(ctx context.Context, in validator.Input) (validator.Result, error) {
	return m.sandbox.Invoke(ctx, m.source, in)
}

// Deployer publishes validator sources as content-addressed artifacts and
// resolves deployed references back to executable modules. A redeploy of
// changed source always yields a new reference; existing validators are
// never mutated in place.
type Deployer struct {
	artifacts *artifact.Store
	sandbox   *Sandbox
}

// NewDeployer wires a deployer to its artifact store and sandbox.
func NewDeployer(artifacts *artifact.Store, sandbox *Sandbox) *Deployer {
	return &Deployer{artifacts: artifacts, sandbox: sandbox}
}

// Deploy publishes a validator source and returns its opaque reference.
// The source must at minimum define the validate entrypoint; deeper
// checks (initial state synthesis) belong to the conversion pipeline's
// smoke test.
func (d *Deployer) Deploy(source string) (artifact.Ref, error) {
	if strings.TrimSpace(source) == "" {
		return "", perrors.New(perrors.CodeValidatorDeployFailed, "validator source is empty")
	}
	if !strings.Contains(source, "function "+entrypoint) && !strings.Contains(source, entrypoint+" =") {
		return "", perrors.New(perrors.CodeValidatorDeployFailed, "validator source defines no validate function")
	}
	ref, err := d.artifacts.Put(artifact.DomainValidator, []byte(source))
	if err != nil {
		return "", perrors.Wrap(perrors.CodeValidatorDeployFailed, "publish validator artifact", err)
	}
	return ref, nil
}

// Resolve loads a deployed validator. A missing artifact is reported as
// VALIDATOR_UNAVAILABLE so the runtime can apply its generic fallback.
func (d *Deployer) Resolve(ref artifact.Ref) (validator.Module, error) {
	source, err := d.artifacts.Get(ref)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, perrors.New(perrors.CodeValidatorUnavailable, "validator artifact not found")
		}
		return nil, perrors.Wrap(perrors.CodeValidatorUnavailable, "resolve validator artifact", err)
	}
	return &Module{sandbox: d.sandbox, source: string(source)}, nil
}

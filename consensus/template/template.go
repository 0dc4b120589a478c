// Package template names the contract runtime boundary (C9, §6): an
// out-of-scope collaborator that executes an instruction body and returns
// proposed append-only state deltas. Only the interface and a registry for
// wiring concrete contracts are specified here; contract implementations
// (issue_tokens, transfer, retire, ...) live outside the consensus core.
package template

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// ErrRejected is returned by Execute when the contract body rejects the
// instruction; the caller moves the instruction to Invalid and makes no
// state change to asset/token (§7 Template-error).
var ErrRejected = errors.New("template: instruction rejected")

// Result is the outcome of a successful contract execution: candidate
// append-only entries for a future view. It is persisted verbatim as an
// Instruction's pending_deltas once execution succeeds (§4.3, §6), so the
// committee selector never re-invokes the template runtime.
type Result struct {
	AssetDeltas []store.AssetStateAppendOnly `json:"asset_deltas"`
	TokenDeltas []store.TokenStateAppendOnly `json:"token_deltas"`
}

// Runtime executes an instruction body against a registered template.
type Runtime interface {
	Execute(ctx context.Context, instr store.Instruction) (Result, error)
}

// Contract is the narrower per-template unit a Registry dispatches to.
type Contract interface {
	Execute(ctx context.Context, instr store.Instruction) (Result, error)
}

// ContractFunc adapts a plain function to the Contract interface.
type ContractFunc func(ctx context.Context, instr store.Instruction) (Result, error)

func (f ContractFunc) Execute(ctx context.Context, instr store.Instruction) (Result, error) {
	return f(ctx, instr)
}

// Registry dispatches instructions to contracts keyed by (TemplateID, contract name).
type Registry struct {
	mu        sync.RWMutex
	contracts map[registryKey]Contract
}

type registryKey struct {
	template ids.TemplateID
	name     string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[registryKey]Contract)}
}

// Register wires a contract implementation for (template, name). Beta and
// confidential flags are ignored for lookup, matching TemplateID.Equal.
func (r *Registry) Register(template ids.TemplateID, name string, c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[registryKey{template: ids.TemplateID{Type: template.Type, Version: template.Version}, name: name}] = c
}

// Execute implements Runtime by dispatching to the registered contract for
// the instruction's (template, contract_name). A missing registration is a
// TemplateError (§7): the instruction is rejected, never left in limbo.
func (r *Registry) Execute(ctx context.Context, instr store.Instruction) (Result, error) {
	key := registryKey{
		template: ids.TemplateID{Type: instr.TemplateType, Version: instr.TemplateVersion},
		name:     instr.ContractName,
	}
	r.mu.RLock()
	c, ok := r.contracts[key]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("template: no contract registered for %s/%s: %w", instr.ContractName, key.template, ErrRejected)
	}
	return c.Execute(ctx, instr)
}

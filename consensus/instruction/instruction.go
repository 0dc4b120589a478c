// Package instruction implements the instruction lifecycle state machine
// (C3, §4.3): guarded transitions Scheduled -> Processing -> Pending ->
// {Invalid, Commit}. Any transition outside the allowed set is refused.
package instruction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/metrics"
	"validatorcore/consensus/store"
	"validatorcore/consensus/template"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the allowed-transition set below. The caller (worker loop) treats this as
// an Invariant-violation error per §7: log, abort, release the lease.
var ErrInvalidTransition = errors.New("instruction: transition not allowed")

// allowed enumerates the exhaustive transition table from §4.3. Any pair not
// present here is refused.
var allowed = map[store.InstructionStatus]map[store.InstructionStatus]bool{
	store.InstructionScheduled: {
		store.InstructionProcessing: true,
	},
	store.InstructionProcessing: {
		store.InstructionPending: true,
		store.InstructionInvalid: true,
	},
	store.InstructionPending: {
		store.InstructionInvalid: true,
		store.InstructionCommit:  true,
	},
}

// IsAllowed reports whether from -> to is one of the transitions listed in
// §4.3. It is exported so tests and the committee selector can reason about
// the table without duplicating it.
func IsAllowed(from, to store.InstructionStatus) bool {
	return allowed[from][to]
}

// Machine guards instruction status transitions and emits one metrics event
// per instruction transitioned, as required by §4.3.
type Machine struct {
	store   *store.Store
	metrics *metrics.Collector
}

// NewMachine constructs a Machine over the shared entity store and metrics
// collector.
func NewMachine(s *store.Store, m *metrics.Collector) *Machine {
	return &Machine{store: s, metrics: m}
}

// Transition applies a batch status change to the listed instruction IDs.
// All IDs receive the same (proposalID, newStatus); the update and the
// guard check happen atomically per the enclosing caller's transaction when
// tx is non-nil, or in a fresh transaction otherwise.
func (m *Machine) Transition(ctx context.Context, tx *gorm.DB, instructionIDs []ids.InstructionID, newStatus store.InstructionStatus, proposalID *ids.ProposalID) error {
	run := func(tx *gorm.DB) error {
		for _, id := range instructionIDs {
			var current store.Instruction
			if err := tx.First(&current, "id = ?", id).Error; err != nil {
				return fmt.Errorf("instruction %s: %w", id, err)
			}
			if !IsAllowed(current.Status, newStatus) {
				return fmt.Errorf("instruction %s: %s -> %s: %w", id, current.Status, newStatus, ErrInvalidTransition)
			}
			if err := m.store.RawSetInstructionStatus(tx, id, newStatus, proposalID); err != nil {
				return err
			}
			if m.metrics != nil {
				m.metrics.RecordInstructionTransition(current.AssetID, id, current.Status, newStatus)
			}
		}
		return nil
	}
	if tx != nil {
		return run(tx)
	}
	return m.store.WithTx(ctx, run)
}

// Process drives a single Scheduled instruction through the template runtime
// to its Processing-stage outcome (§4.3, §6): Scheduled -> Processing, then
// Processing -> Pending with the contract's deltas staged on the row, or
// Processing -> Invalid on rejection. This mirrors the contract-call
// handler the ingress path invokes synchronously; the worker loop never
// re-runs the template, it only ever sees instructions already in Pending.
func (m *Machine) Process(ctx context.Context, runtime template.Runtime, instr store.Instruction) (*store.Instruction, error) {
	if !IsAllowed(instr.Status, store.InstructionProcessing) {
		return nil, fmt.Errorf("instruction %s: %s -> %s: %w", instr.ID, instr.Status, store.InstructionProcessing, ErrInvalidTransition)
	}
	if err := m.store.SetInstructionStatusAndDeltas(ctx, nil, instr.ID, store.InstructionProcessing, nil); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordInstructionTransition(instr.AssetID, instr.ID, instr.Status, store.InstructionProcessing)
	}

	result, execErr := runtime.Execute(ctx, instr)
	if execErr != nil {
		if err := m.store.SetInstructionStatusAndDeltas(ctx, nil, instr.ID, store.InstructionInvalid, nil); err != nil {
			return nil, err
		}
		if m.metrics != nil {
			m.metrics.RecordInstructionTransition(instr.AssetID, instr.ID, store.InstructionProcessing, store.InstructionInvalid)
		}
		return nil, fmt.Errorf("instruction %s: %w", instr.ID, execErr)
	}

	deltas, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("instruction %s: marshal deltas: %w", instr.ID, err)
	}
	if err := m.store.SetInstructionStatusAndDeltas(ctx, nil, instr.ID, store.InstructionPending, deltas); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordInstructionTransition(instr.AssetID, instr.ID, store.InstructionProcessing, store.InstructionPending)
	}
	return m.store.GetInstruction(ctx, instr.ID)
}

// Lookup fetches an instruction by ID, exposed so callers that only hold a
// Machine (e.g. the ingress controller) don't need a separate store handle.
func (m *Machine) Lookup(ctx context.Context, id ids.InstructionID) (*store.Instruction, error) {
	return m.store.GetInstruction(ctx, id)
}

// Schedule creates a new Scheduled instruction via the entity store.
func (m *Machine) Schedule(ctx context.Context, in store.NewInstruction) (*store.Instruction, error) {
	created, err := m.store.CreateInstruction(ctx, in)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordInstructionTransition(created.AssetID, created.ID, "", store.InstructionScheduled)
	}
	return created, nil
}

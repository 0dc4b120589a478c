// Package worker implements the consensus worker loop (C6, §4.2): one tick
// acquires a lease, dispatches on the committee state the selector returns,
// emits messages, and releases the lease. Cancellation is cooperative: a
// stop signal lets the current tick finish before the worker returns (§5).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/lease"
	"validatorcore/consensus/metrics"
	"validatorcore/consensus/selector"
	"validatorcore/consensus/store"
	"validatorcore/consensus/transport"
	"validatorcore/consensus/view"
	"validatorcore/observability/logging"
)

// instructionDeltas is the shape staged on Instruction.PendingDeltas by
// instruction.Machine.Process (template.Result, decoded without importing
// the template package here) and embedded in a View's append_only_state.
type instructionDeltas struct {
	AssetDeltas []store.AssetStateAppendOnly `json:"asset_deltas"`
	TokenDeltas []store.TokenStateAppendOnly `json:"token_deltas"`
}

// TickOutcome reports what a single tick did, mirroring the pseudocode in
// §4.2.
type TickOutcome string

const (
	Idle TickOutcome = "Idle"
	Busy TickOutcome = "Busy"
	Done TickOutcome = "Done"
)

// Config captures the dependencies and knobs a Runner needs.
type Config struct {
	Self         ids.NodeID
	Committee    []ids.NodeID
	Assets       func(ctx context.Context) ([]ids.AssetID, error)
	Store        *store.Store
	Selector     *selector.Selector
	Lease        *lease.Manager
	Transport    transport.Channel
	Metrics      *metrics.Collector
	IDs          *ids.Generator
	LeaseSeconds time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Runner drives the tick loop described in §4.2/§5.
type Runner struct {
	cfg     Config
	limiter *rate.Limiter
}

// New constructs a Runner. Defaults match §5's stated defaults (60s lease,
// 1s poll interval).
func New(cfg Config) *Runner {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
	}
}

// Run loops ticks until ctx is cancelled. Between ticks it waits on a rate
// limiter that admits one tick per PollInterval regardless of outcome; the
// limiter starts with one token, so the second tick follows the first
// without a wait. A tick already running when ctx is cancelled runs to
// completion before Run returns (§5).
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		outcome, err := r.Tick(context.WithoutCancel(ctx))
		if err != nil {
			r.cfg.Logger.Error("consensus tick failed", "error", err)
		} else {
			r.cfg.Logger.Debug("consensus tick", "outcome", outcome)
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

// Tick runs exactly one iteration of the pseudocode in §4.2.
func (r *Runner) Tick(ctx context.Context) (TickOutcome, error) {
	assets, err := r.cfg.Assets(ctx)
	if err != nil {
		return "", fmt.Errorf("worker: list assets: %w", err)
	}
	result, err := r.cfg.Selector.Next(ctx, r.cfg.Self, assets, r.cfg.Committee)
	if err != nil {
		return "", fmt.Errorf("worker: selector: %w", err)
	}
	if result == nil {
		return Idle, nil
	}

	if err := r.cfg.Lease.Acquire(ctx, result.AssetID, r.cfg.LeaseSeconds); err != nil {
		if errors.Is(err, lease.ErrBusy) {
			r.cfg.Metrics.RecordLeaseBusy()
			return Busy, nil
		}
		return "", fmt.Errorf("worker: acquire lease: %w", err)
	}
	defer func() {
		if releaseErr := r.cfg.Lease.Release(ctx, result.AssetID); releaseErr != nil {
			r.cfg.Logger.Error("consensus lease release failed", "asset", result.AssetID, "error", releaseErr)
		}
	}()

	if err := r.dispatch(ctx, *result); err != nil {
		return "", fmt.Errorf("worker: dispatch: %w", err)
	}
	return Done, nil
}

// dispatch is the total function over the five committee states (§4.2's
// table). isLeader determines which side of the leader/non-leader split
// applies.
func (r *Runner) dispatch(ctx context.Context, res selector.Result) error {
	isLeader := res.LeaderNodeID.Equal(r.cfg.Self)
	switch state := res.State.(type) {
	case selector.PreparingView:
		return r.dispatchPreparingView(ctx, res, state, isLeader)
	case selector.ViewThresholdReached:
		if !isLeader {
			return fmt.Errorf("worker: %w: ViewThresholdReached observed by non-leader", store.ErrInvariantViolation)
		}
		return r.dispatchViewThresholdReached(ctx, res, state)
	case selector.ReceivedLeaderProposal:
		if isLeader {
			// The leader's own proposal was already signed when it was
			// created; observing it again here is a no-op.
			return nil
		}
		return r.dispatchReceivedLeaderProposal(ctx, res, state)
	case selector.SignedProposalThresholdReached:
		if !isLeader {
			return fmt.Errorf("worker: %w: SignedProposalThresholdReached observed by non-leader", store.ErrInvariantViolation)
		}
		return r.dispatchSignedProposalThresholdReached(ctx, res, state)
	case selector.LeaderFinalizedProposalReceived:
		return r.dispatchLeaderFinalizedProposalReceived(ctx, res, state)
	default:
		return fmt.Errorf("worker: %w: unknown committee state %T", store.ErrInvariantViolation, state)
	}
}

// dispatchPreparingView assembles a NewView out of instructions the
// template runtime already processed into Pending (§4.3, §6): it folds each
// instruction's staged PendingDeltas into the view's append_only_state, it
// never re-invokes the contract.
func (r *Runner) dispatchPreparingView(ctx context.Context, res selector.Result, st selector.PreparingView, isLeader bool) error {
	instructionIDs := make([]ids.InstructionID, 0, len(st.PendingInstructions))
	combined := instructionDeltas{}

	for _, instr := range st.PendingInstructions {
		var staged instructionDeltas
		if err := unmarshalJSON(instr.PendingDeltas, &staged); err != nil {
			return fmt.Errorf("worker: %w: instruction %s has unreadable pending_deltas: %v", store.ErrInvariantViolation, instr.ID, err)
		}
		r.cfg.Logger.Debug("folding instruction into view",
			"instruction", instr.ID,
			logging.MaskField("params", string(instr.Params)))
		instructionIDs = append(instructionIDs, instr.ID)
		combined.AssetDeltas = append(combined.AssetDeltas, staged.AssetDeltas...)
		combined.TokenDeltas = append(combined.TokenDeltas, staged.TokenDeltas...)
	}
	if len(instructionIDs) == 0 {
		return nil
	}

	v := store.View{
		ID:                    ids.ProposalID(r.cfg.IDs.NextProposalID()),
		AssetID:               res.AssetID,
		InitiatingNodeID:      r.cfg.Self,
		InstructionSet:        view.EncodeInstructionSet(instructionIDs),
		InvalidInstructionSet: view.EncodeInstructionSet(nil),
		AppendOnlyState:       mustJSON(combined),
		Status:                store.ViewPrepare,
	}

	if !isLeader {
		return r.cfg.Transport.SubmitNewView(ctx, res.LeaderNodeID, transport.NewViewMessage{View: v})
	}
	return r.cfg.Store.InsertView(ctx, v)
}

func (r *Runner) dispatchViewThresholdReached(ctx context.Context, res selector.Result, st selector.ViewThresholdReached) error {
	winner, rest, ok := view.Select(st.Views)
	if !ok {
		return fmt.Errorf("worker: %w: no decodable view candidates", store.ErrInvariantViolation)
	}
	if err := r.cfg.Store.MarkViewStatus(ctx, winner.ID, store.ViewPreCommit, nil); err != nil {
		return err
	}
	for _, v := range rest {
		if err := r.cfg.Store.MarkViewStatus(ctx, v.ID, store.ViewNotChosen, nil); err != nil {
			return err
		}
	}

	proposalID := r.cfg.IDs.NextProposalID()
	proposal := store.Proposal{
		ID:           proposalID,
		AssetID:      res.AssetID,
		LeaderNodeID: r.cfg.Self,
		NewView:      mustJSON(winner),
		Status:       store.ProposalPending,
	}
	if err := r.cfg.Store.InsertProposal(ctx, proposal); err != nil {
		return err
	}

	// The leader signs its own proposal locally (§4.5): signature
	// validation is a stub that always accepts (§9 Open Questions).
	signed := store.SignedProposal{
		ID:           uuid.New(),
		ProposalID:   proposalID,
		SignerNodeID: r.cfg.Self,
		Signature:    []byte("stub-signature"),
		Status:       store.SignedProposalPending,
	}
	if err := r.cfg.Store.InsertSignedProposal(ctx, signed); err != nil {
		return err
	}
	r.cfg.Logger.Debug("signed own proposal",
		"proposal", proposalID,
		logging.MaskField("signature", string(signed.Signature)))

	return r.cfg.Transport.BroadcastProposal(ctx, transport.ProposalMessage{Proposal: proposal})
}

func (r *Runner) dispatchReceivedLeaderProposal(ctx context.Context, res selector.Result, st selector.ReceivedLeaderProposal) error {
	// Signature validation is a stub that always accepts (§9): integration
	// must replace this with real cryptographic verification.
	signed := store.SignedProposal{
		ID:           uuid.New(),
		ProposalID:   st.Proposal.ID,
		SignerNodeID: r.cfg.Self,
		Signature:    []byte("stub-signature"),
		Status:       store.SignedProposalPending,
	}
	if err := r.cfg.Store.InsertSignedProposal(ctx, signed); err != nil {
		return err
	}
	if err := r.cfg.Store.MarkProposalStatus(ctx, st.Proposal.ID, store.ProposalSigned); err != nil {
		return err
	}
	r.cfg.Logger.Debug("submitting signed proposal",
		"proposal", st.Proposal.ID,
		logging.MaskField("signature", string(signed.Signature)))
	return r.cfg.Transport.SubmitSignedProposal(ctx, res.LeaderNodeID, transport.SignedProposalMessage{SignedProposal: signed})
}

func (r *Runner) dispatchSignedProposalThresholdReached(ctx context.Context, res selector.Result, st selector.SignedProposalThresholdReached) error {
	signatures := make(map[string][]byte, len(st.SignedProposals))
	for _, sp := range st.SignedProposals {
		signatures[sp.SignerNodeID.String()] = sp.Signature
	}
	asm := store.AggregateSignatureMessage{
		ID:         uuid.New(),
		ProposalID: st.Proposal.ID,
		Signatures: mustJSON(signatures),
		Status:     store.AggregateSignaturePending,
	}
	if err := r.cfg.Store.InsertAggregateSignatureMessage(ctx, asm); err != nil {
		return err
	}
	r.cfg.Logger.Debug("broadcasting aggregate signature message",
		"proposal", st.Proposal.ID,
		logging.MaskField("signatures", string(asm.Signatures)))
	if err := r.cfg.Transport.BroadcastAggregateSignatureMessage(ctx, transport.AggregateSignatureMessage{Message: asm}); err != nil {
		return err
	}
	return r.applyCommit(ctx, st.Proposal, asm)
}

func (r *Runner) dispatchLeaderFinalizedProposalReceived(ctx context.Context, res selector.Result, st selector.LeaderFinalizedProposalReceived) error {
	if st.Proposal.Status == store.ProposalFinalized {
		// Idempotent: no-op if already finalized (§4.2 dispatch table).
		return nil
	}
	return r.applyCommit(ctx, st.Proposal, st.AggregateSignatureMessage)
}

func (r *Runner) applyCommit(ctx context.Context, proposal store.Proposal, asm store.AggregateSignatureMessage) error {
	var payload struct {
		ID                    ids.ProposalID `json:"ID"`
		AssetID               ids.AssetID    `json:"AssetID"`
		InstructionSet        store.JSON     `json:"InstructionSet"`
		InvalidInstructionSet store.JSON     `json:"InvalidInstructionSet"`
		AppendOnlyState       store.JSON     `json:"AppendOnlyState"`
	}
	if err := unmarshalJSON(proposal.NewView, &payload); err != nil {
		return fmt.Errorf("worker: decode embedded view: %w", err)
	}
	committed, err := view.DecodeInstructionSet(payload.InstructionSet)
	if err != nil {
		return err
	}
	invalid, err := view.DecodeInstructionSet(payload.InvalidInstructionSet)
	if err != nil {
		return err
	}
	var deltas instructionDeltas
	if err := unmarshalJSON(payload.AppendOnlyState, &deltas); err != nil {
		return fmt.Errorf("worker: decode append-only state: %w", err)
	}

	chosenView := store.View{ID: payload.ID, AssetID: payload.AssetID}
	if err := r.cfg.Store.CommitView(ctx, chosenView, proposal.ID, deltas.AssetDeltas, deltas.TokenDeltas, committed, invalid); err != nil {
		return err
	}
	return r.cfg.Store.MarkAggregateSignatureStatus(ctx, asm.ID, store.AggregateSignatureAccepted)
}

func mustJSON(v any) store.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("worker: marshal invariant violated: %v", err))
	}
	return data
}

func unmarshalJSON(data store.JSON, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

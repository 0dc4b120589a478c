// Package selector implements the committee selector (C5, §4.1): given a
// node, scan the entity store and return at most one unit of work,
// classified into one of five committee states, in strict priority order so
// that forward progress toward finalization always takes precedence over
// admitting new instructions.
package selector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// Elector is leader(asset_id, round) from §4.1: a pure function of asset and
// round. The production implementation MUST take (asset, round, committee)
// and deterministically rotate leadership; the current Fixed implementation
// is an explicit stub.
type Elector interface {
	Leader(asset ids.AssetID, round uint64, committee []ids.NodeID) ids.NodeID
}

// Fixed is the stub leader election policy described in §4.1/§9: it always
// returns the same node regardless of round or committee composition. A
// production rotation scheme must replace this at integration time without
// touching the state machine.
type Fixed struct {
	Leader_ ids.NodeID
}

func (f Fixed) Leader(ids.AssetID, uint64, []ids.NodeID) ids.NodeID { return f.Leader_ }

// Threshold is threshold_met(asset_id, collection) -> bool from §4.1,
// isolated so it can be replaced with a real (floor(2n/3)+1) quorum scheme
// without touching the state machine.
type Threshold interface {
	Met(asset ids.AssetID, collectionSize int) bool
}

// AtLeastOne is the current committee-of-one quorum stub (§1 Non-goals):
// any non-empty collection meets threshold. Must be replaced by a real
// Byzantine quorum before production use.
type AtLeastOne struct{}

func (AtLeastOne) Met(_ ids.AssetID, collectionSize int) bool { return collectionSize >= 1 }

// Committee is the sealed set of five classifications §4.1 can return.
type Committee interface{ isCommittee() }

// LeaderFinalizedProposalReceived (§4.1 item 1): an ASM in Pending whose
// Proposal's asset is not leased.
type LeaderFinalizedProposalReceived struct {
	Proposal                  store.Proposal
	AggregateSignatureMessage store.AggregateSignatureMessage
}

func (LeaderFinalizedProposalReceived) isCommittee() {}

// SignedProposalThresholdReached (§4.1 item 2): threshold-met Pending
// SignedProposals for an asset whose leader is self.
type SignedProposalThresholdReached struct {
	Proposal        store.Proposal
	SignedProposals []store.SignedProposal
}

func (SignedProposalThresholdReached) isCommittee() {}

// ReceivedLeaderProposal (§4.1 item 3): a Pending Proposal authored by the
// current leader of its asset.
type ReceivedLeaderProposal struct {
	Proposal store.Proposal
}

func (ReceivedLeaderProposal) isCommittee() {}

// ViewThresholdReached (§4.1 item 4): threshold-met Prepare Views for an
// asset whose leader is self.
type ViewThresholdReached struct {
	Views []store.View
}

func (ViewThresholdReached) isCommittee() {}

// PreparingView (§4.1 item 5): Pending instructions with no higher-priority
// state applying.
type PreparingView struct {
	AssetID             ids.AssetID
	PendingInstructions []store.Instruction
}

func (PreparingView) isCommittee() {}

// Result is the at-most-one classification returned by Selector.Next.
type Result struct {
	AssetID      ids.AssetID
	LeaderNodeID ids.NodeID
	State        Committee
}

// Selector scans the entity store for the next unit of work for a node.
type Selector struct {
	store     *store.Store
	elector   Elector
	threshold Threshold
}

// New constructs a Selector. elector/threshold default to the current stub
// policies (§1 Non-goals, §4.1) when nil.
func New(s *store.Store, elector Elector, threshold Threshold) *Selector {
	if elector == nil {
		elector = Fixed{}
	}
	if threshold == nil {
		threshold = AtLeastOne{}
	}
	return &Selector{store: s, elector: elector, threshold: threshold}
}

// The per-tier scans in Next are intentionally simple per-asset loops: the
// selector does not need to be efficient against
// a large committee set, only correct and priority-ordered (§4.1).

// Next returns at most one Committee classification for self, honoring the
// strict priority order in §4.1. Nodes it invalidates along the way
// (stale-leader proposals/views/signed-proposals) are marked Invalid as a
// side effect before the scan continues to the next priority tier.
func (sel *Selector) Next(ctx context.Context, self ids.NodeID, assets []ids.AssetID, committee []ids.NodeID) (*Result, error) {
	// Priority 1: LeaderFinalizedProposalReceived.
	for _, asset := range assets {
		asms, err := sel.store.ListPendingAggregateSignatureMessages(ctx, asset)
		if err != nil {
			return nil, err
		}
		for _, asm := range asms {
			state, err := sel.store.GetAssetState(ctx, asset)
			if err != nil {
				return nil, err
			}
			if state.BlockedUntil.After(time.Now()) {
				continue
			}
			proposal, err := sel.store.GetProposal(ctx, asm.ProposalID)
			if err != nil {
				return nil, err
			}
			return &Result{
				AssetID:      asset,
				LeaderNodeID: sel.elector.Leader(asset, 0, committee),
				State: LeaderFinalizedProposalReceived{
					Proposal:                  *proposal,
					AggregateSignatureMessage: asm,
				},
			}, nil
		}
	}

	// Priority 2: SignedProposalThresholdReached.
	for _, asset := range assets {
		leader := sel.elector.Leader(asset, 0, committee)
		proposals, err := sel.store.ListProposalsByStatus(ctx, asset, store.ProposalPending)
		if err != nil {
			return nil, err
		}
		for _, proposal := range proposals {
			signed, err := sel.store.ListSignedProposalsByStatus(ctx, proposal.ID, store.SignedProposalPending)
			if err != nil {
				return nil, err
			}
			if !sel.threshold.Met(asset, len(signed)) {
				continue
			}
			if !leader.Equal(self) {
				staleIDs := make([]uuid.UUID, 0, len(signed))
				for _, sp := range signed {
					staleIDs = append(staleIDs, sp.ID)
				}
				if err := sel.store.MarkSignedProposalsStatus(ctx, staleIDs, store.SignedProposalInvalid); err != nil {
					return nil, err
				}
				continue
			}
			return &Result{
				AssetID:      asset,
				LeaderNodeID: leader,
				State: SignedProposalThresholdReached{
					Proposal:        proposal,
					SignedProposals: signed,
				},
			}, nil
		}
	}

	// Priority 3: ReceivedLeaderProposal.
	for _, asset := range assets {
		leader := sel.elector.Leader(asset, 0, committee)
		proposals, err := sel.store.ListProposalsByStatus(ctx, asset, store.ProposalPending)
		if err != nil {
			return nil, err
		}
		for _, proposal := range proposals {
			if !proposal.LeaderNodeID.Equal(leader) {
				if err := sel.store.MarkProposalStatus(ctx, proposal.ID, store.ProposalInvalid); err != nil {
					return nil, err
				}
				continue
			}
			return &Result{AssetID: asset, LeaderNodeID: leader, State: ReceivedLeaderProposal{Proposal: proposal}}, nil
		}
	}

	// Priority 4: ViewThresholdReached.
	for _, asset := range assets {
		leader := sel.elector.Leader(asset, 0, committee)
		views, err := sel.store.ListViewsByStatus(ctx, asset, store.ViewPrepare)
		if err != nil {
			return nil, err
		}
		if len(views) == 0 {
			continue
		}
		if !sel.threshold.Met(asset, len(views)) {
			continue
		}
		if !leader.Equal(self) {
			for _, v := range views {
				if err := sel.store.MarkViewStatus(ctx, v.ID, store.ViewInvalid, nil); err != nil {
					return nil, err
				}
			}
			continue
		}
		return &Result{AssetID: asset, LeaderNodeID: leader, State: ViewThresholdReached{Views: views}}, nil
	}

	// Priority 5: PreparingView (available to any node, leader or follower).
	for _, asset := range assets {
		pending, err := sel.store.ListInstructionsByStatus(ctx, asset, store.InstructionPending)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			continue
		}
		leader := sel.elector.Leader(asset, 0, committee)
		return &Result{AssetID: asset, LeaderNodeID: leader, State: PreparingView{AssetID: asset, PendingInstructions: pending}}, nil
	}

	return nil, nil
}

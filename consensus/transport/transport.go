// Package transport defines the abstract peer message channel (C7, §6): four
// fire-and-forget message kinds addressed to a committee or leader. Delivery
// is best-effort, at-least-once; duplicates are idempotent because primary
// keys derive from committee-agreed IDs. The production P2P broadcast layer
// is out of scope (§1); this package only names the interface the worker
// loop depends on, plus an in-process implementation for tests.
package transport

import (
	"context"
	"sync"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

// NewViewMessage is the payload of SubmitNewView.
type NewViewMessage struct {
	View store.View
}

// ProposalMessage is the payload of BroadcastProposal.
type ProposalMessage struct {
	Proposal store.Proposal
}

// SignedProposalMessage is the payload of SubmitSignedProposal.
type SignedProposalMessage struct {
	SignedProposal store.SignedProposal
}

// AggregateSignatureMessage is the payload of BroadcastAggregateSignatureMessage.
type AggregateSignatureMessage struct {
	Message store.AggregateSignatureMessage
}

// Channel is the message-transport interface the worker loop depends on.
// Implementations MUST be safe to call concurrently and MUST NOT block the
// caller beyond what a single send requires.
type Channel interface {
	SubmitNewView(ctx context.Context, leader ids.NodeID, msg NewViewMessage) error
	BroadcastProposal(ctx context.Context, msg ProposalMessage) error
	SubmitSignedProposal(ctx context.Context, leader ids.NodeID, msg SignedProposalMessage) error
	BroadcastAggregateSignatureMessage(ctx context.Context, msg AggregateSignatureMessage) error
}

// InProcess is an in-memory Channel implementation wiring peer nodes running
// in the same process together, used by the end-to-end seed tests (§8) and
// suitable as a single-node loopback in development. It is not the
// production P2P layer (§1 Non-goals/out of scope).
type InProcess struct {
	mu               sync.Mutex
	newViews         map[ids.NodeID][]NewViewMessage
	proposals        []ProposalMessage
	signedProposals  map[ids.NodeID][]SignedProposalMessage
	aggregateSigs    []AggregateSignatureMessage
}

// NewInProcess constructs an empty in-process channel.
func NewInProcess() *InProcess {
	return &InProcess{
		newViews:        make(map[ids.NodeID][]NewViewMessage),
		signedProposals: make(map[ids.NodeID][]SignedProposalMessage),
	}
}

func (c *InProcess) SubmitNewView(_ context.Context, leader ids.NodeID, msg NewViewMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newViews[leader] = append(c.newViews[leader], msg)
	return nil
}

func (c *InProcess) BroadcastProposal(_ context.Context, msg ProposalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals = append(c.proposals, msg)
	return nil
}

func (c *InProcess) SubmitSignedProposal(_ context.Context, leader ids.NodeID, msg SignedProposalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signedProposals[leader] = append(c.signedProposals[leader], msg)
	return nil
}

func (c *InProcess) BroadcastAggregateSignatureMessage(_ context.Context, msg AggregateSignatureMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregateSigs = append(c.aggregateSigs, msg)
	return nil
}

// NewViewsFor drains the buffered NewView messages addressed to a leader.
func (c *InProcess) NewViewsFor(leader ids.NodeID) []NewViewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.newViews[leader]
	c.newViews[leader] = nil
	return out
}

// Proposals drains the buffered broadcast proposals.
func (c *InProcess) Proposals() []ProposalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.proposals
	c.proposals = nil
	return out
}

// SignedProposalsFor drains the buffered signed proposals addressed to a leader.
func (c *InProcess) SignedProposalsFor(leader ids.NodeID) []SignedProposalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.signedProposals[leader]
	c.signedProposals[leader] = nil
	return out
}

// AggregateSignatureMessages drains the buffered ASM broadcasts.
func (c *InProcess) AggregateSignatureMessages() []AggregateSignatureMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.aggregateSigs
	c.aggregateSigs = nil
	return out
}

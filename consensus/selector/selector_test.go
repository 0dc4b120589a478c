package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/store"
)

func setupSelectorTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func testAsset(t *testing.T) ids.AssetID {
	t.Helper()
	tmpl := ids.TemplateID{Type: 1, Version: 1}
	var hash [16]byte
	asset, err := ids.NewAssetID(tmpl, [2]byte{}, "abcdefghijklmno", hash)
	require.NoError(t, err)
	return asset
}

func newSelectorFixture(t *testing.T, leader ids.NodeID) (*Selector, *store.Store, ids.AssetID) {
	t.Helper()
	db := setupSelectorTestDB(t)
	s := store.New(db)
	asset := testAsset(t)
	require.NoError(t, s.CreateDigitalAsset(context.Background(), store.DigitalAsset{AssetID: asset, CommitteeMode: "solo"}, store.JSON(`{}`)))
	sel := New(s, Fixed{Leader_: leader}, AtLeastOne{})
	return sel, s, asset
}

// TestPreparingViewAvailableToAnyNode covers §4.1 item 5: pending
// instructions are returned for any node, leader or follower.
func TestPreparingViewAvailableToAnyNode(t *testing.T) {
	leader := ids.RandomNodeID()
	follower := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	instr, err := s.CreateInstruction(ctx, store.NewInstruction{ID: ids.InstructionID("0000000000000000000000000000b1"), AssetID: asset, ContractName: "issue_tokens"})
	require.NoError(t, err)
	require.NoError(t, s.RawSetInstructionStatus(s.DB(), instr.ID, store.InstructionPending, nil))

	result, err := sel.Next(ctx, follower, []ids.AssetID{asset}, []ids.NodeID{leader, follower})
	require.NoError(t, err)
	require.NotNil(t, result)
	pv, ok := result.State.(PreparingView)
	require.True(t, ok)
	require.Len(t, pv.PendingInstructions, 1)
}

// TestProposalFromNonLeaderIsInvalidated covers §8 seed scenario 4.
func TestProposalFromNonLeaderIsInvalidated(t *testing.T) {
	leader := ids.RandomNodeID()
	impostor := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	proposalID := ids.ProposalID("0000000000000000000000000000pr")
	require.NoError(t, s.InsertProposal(ctx, store.Proposal{ID: proposalID, AssetID: asset, LeaderNodeID: impostor, Status: store.ProposalPending}))

	result, err := sel.Next(ctx, leader, []ids.AssetID{asset}, []ids.NodeID{leader, impostor})
	require.NoError(t, err)
	require.Nil(t, result)

	got, err := s.GetProposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalInvalid, got.Status)
}

// TestReceivedLeaderProposalReturnedForGenuineLeader covers §8 seed scenario 3
// (the selector's side of "non-leader receives proposal"): a Pending
// proposal authored by the genuine leader is surfaced, not invalidated.
func TestReceivedLeaderProposalReturnedForGenuineLeader(t *testing.T) {
	leader := ids.RandomNodeID()
	member := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	proposalID := ids.ProposalID("0000000000000000000000000000pq")
	require.NoError(t, s.InsertProposal(ctx, store.Proposal{ID: proposalID, AssetID: asset, LeaderNodeID: leader, Status: store.ProposalPending}))

	result, err := sel.Next(ctx, member, []ids.AssetID{asset}, []ids.NodeID{leader, member})
	require.NoError(t, err)
	require.NotNil(t, result)
	rp, ok := result.State.(ReceivedLeaderProposal)
	require.True(t, ok)
	require.Equal(t, proposalID, rp.Proposal.ID)
}

// TestViewThresholdReachedInvalidatesForNonLeader covers §4.1 item 4's
// invalidate-and-continue branch.
func TestViewThresholdReachedInvalidatesForNonLeader(t *testing.T) {
	leader := ids.RandomNodeID()
	member := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	v := store.View{ID: ids.ProposalID("0000000000000000000000000000v3"), AssetID: asset, Status: store.ViewPrepare}
	require.NoError(t, s.InsertView(ctx, v))

	result, err := sel.Next(ctx, member, []ids.AssetID{asset}, []ids.NodeID{leader, member})
	require.NoError(t, err)
	require.Nil(t, result)

	var got store.View
	require.NoError(t, s.DB().First(&got, "id = ?", v.ID).Error)
	require.Equal(t, store.ViewInvalid, got.Status)
}

// TestViewThresholdReachedReturnedForLeader is the leader-side mirror.
func TestViewThresholdReachedReturnedForLeader(t *testing.T) {
	leader := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	v := store.View{ID: ids.ProposalID("0000000000000000000000000000v4"), AssetID: asset, Status: store.ViewPrepare}
	require.NoError(t, s.InsertView(ctx, v))

	result, err := sel.Next(ctx, leader, []ids.AssetID{asset}, []ids.NodeID{leader})
	require.NoError(t, err)
	require.NotNil(t, result)
	vt, ok := result.State.(ViewThresholdReached)
	require.True(t, ok)
	require.Len(t, vt.Views, 1)
}

// TestPriorityOrderPrefersFinalizationOverNewInstructions ensures a pending
// ASM takes precedence over pending instructions on the same asset, per the
// strict priority contract in §4.1.
func TestPriorityOrderPrefersFinalizationOverNewInstructions(t *testing.T) {
	leader := ids.RandomNodeID()
	sel, s, asset := newSelectorFixture(t, leader)
	ctx := context.Background()

	instr, err := s.CreateInstruction(ctx, store.NewInstruction{ID: ids.InstructionID("0000000000000000000000000000b2"), AssetID: asset, ContractName: "issue_tokens"})
	require.NoError(t, err)
	require.NoError(t, s.RawSetInstructionStatus(s.DB(), instr.ID, store.InstructionPending, nil))

	proposalID := ids.ProposalID("0000000000000000000000000000pz")
	require.NoError(t, s.InsertProposal(ctx, store.Proposal{ID: proposalID, AssetID: asset, LeaderNodeID: leader, Status: store.ProposalFinalized}))
	require.NoError(t, s.InsertAggregateSignatureMessage(ctx, store.AggregateSignatureMessage{ProposalID: proposalID, Status: store.AggregateSignaturePending}))

	result, err := sel.Next(ctx, leader, []ids.AssetID{asset}, []ids.NodeID{leader})
	require.NoError(t, err)
	require.NotNil(t, result)
	_, ok := result.State.(LeaderFinalizedProposalReceived)
	require.True(t, ok, "expected LeaderFinalizedProposalReceived to take priority, got %T", result.State)
}

func TestNextReturnsNilWhenNothingPending(t *testing.T) {
	leader := ids.RandomNodeID()
	sel, _, asset := newSelectorFixture(t, leader)
	result, err := sel.Next(context.Background(), leader, []ids.AssetID{asset}, []ids.NodeID{leader})
	require.NoError(t, err)
	require.Nil(t, result)
}

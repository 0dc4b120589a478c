package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/instruction"
	"validatorcore/consensus/lease"
	"validatorcore/consensus/metrics"
	"validatorcore/consensus/selector"
	"validatorcore/consensus/store"
	"validatorcore/consensus/template"
	"validatorcore/consensus/transport"
)

func setupWorkerTestDB(t *testing.T) *gorm.DB {
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

// issueTokensContract mints a Token head row immediately (mirroring how the
// synchronous ingress path already runs contract execution, §6) and stages a
// TokenStateAppendOnly delta for the consensus round to append at commit.
func issueTokensContract(s *store.Store, idgen *ids.Generator) template.Contract {
	return template.ContractFunc(func(ctx context.Context, instr store.Instruction) (template.Result, error) {
		var params struct {
			Quantity int `json:"quantity"`
		}
		if len(instr.Params) > 0 {
			if err := json.Unmarshal(instr.Params, &params); err != nil {
				return template.Result{}, fmt.Errorf("issue_tokens: bad params: %w", err)
			}
		}
		if params.Quantity != 1 {
			return template.Result{}, template.ErrRejected
		}
		tokenID := ids.NewTokenID(instr.AssetID, ids.TimeOrderedID(idgen.NextInstructionID()))
		if _, err := s.MintToken(ctx, nil, tokenID, instr.AssetID, store.JSON(`{}`)); err != nil {
			return template.Result{}, err
		}
		return template.Result{
			TokenDeltas: []store.TokenStateAppendOnly{{
				TokenID:       tokenID,
				InstructionID: instr.ID,
				StateDataJSON: store.JSON(`{"issued":1}`),
				Status:        store.AssetActive,
			}},
			AssetDeltas: []store.AssetStateAppendOnly{{
				AssetID:       instr.AssetID,
				InstructionID: instr.ID,
				StateDataJSON: store.JSON(`{"last_issued_token":"` + string(tokenID) + `"}`),
				Status:        store.AssetActive,
			}},
		}, nil
	})
}

type fixture struct {
	db       *gorm.DB
	s        *store.Store
	machine  *instruction.Machine
	runtime  *template.Registry
	sel      *selector.Selector
	leaseMgr *lease.Manager
	channel  *transport.InProcess
	idgen    *ids.Generator
	runner   *Runner
	asset    ids.AssetID
	self     ids.NodeID
}

func newFixture(t *testing.T, self ids.NodeID, leader ids.NodeID) *fixture {
	t.Helper()
	db := setupWorkerTestDB(t)
	s := store.New(db)
	asset := testAsset(t)
	require.NoError(t, s.CreateDigitalAsset(context.Background(), store.DigitalAsset{AssetID: asset, CommitteeMode: "solo"}, store.JSON(`{}`)))

	collector := metrics.NewCollector(prometheus.NewRegistry())
	machine := instruction.NewMachine(s, collector)
	idgen := ids.NewGenerator(self)
	registry := template.NewRegistry()
	registry.Register(ids.TemplateID{}, "issue_tokens", issueTokensContract(s, idgen))

	sel := selector.New(s, selector.Fixed{Leader_: leader}, selector.AtLeastOne{})
	leaseMgr := lease.NewManager(db, nil)
	channel := transport.NewInProcess()

	runner := New(Config{
		Self:      self,
		Committee: []ids.NodeID{leader, self},
		Assets:    func(context.Context) ([]ids.AssetID, error) { return []ids.AssetID{asset}, nil },
		Store:     s,
		Selector:  sel,
		Lease:     leaseMgr,
		Transport: channel,
		Metrics:   collector,
		IDs:       idgen,
	})

	return &fixture{db: db, s: s, machine: machine, runtime: registry, sel: sel, leaseMgr: leaseMgr, channel: channel, idgen: idgen, runner: runner, asset: asset, self: self}
}

func (f *fixture) scheduleAndProcess(t *testing.T, quantity int) *store.Instruction {
	t.Helper()
	instr, err := f.machine.Schedule(context.Background(), store.NewInstruction{
		ID:           f.idgen.NextInstructionID(),
		AssetID:      f.asset,
		ContractName: "issue_tokens",
		Params:       store.JSON(fmt.Sprintf(`{"quantity":%d}`, quantity)),
	})
	require.NoError(t, err)
	processed, err := f.machine.Process(context.Background(), f.runtime, *instr)
	if err != nil {
		return nil
	}
	return processed
}

// TestSingleLeaderHappyPath is §8 seed scenario 1: a sole committee member
// drives an instruction from Scheduled all the way to Commit, finalizing a
// Proposal and minting a Token.
func TestSingleLeaderHappyPath(t *testing.T) {
	self := ids.RandomNodeID()
	f := newFixture(t, self, self) // self is also leader: committee of one
	ctx := context.Background()

	instr := f.scheduleAndProcess(t, 1)
	require.NotNil(t, instr)
	require.Equal(t, store.InstructionPending, instr.Status)

	// Tick 1: PreparingView — leader builds and inserts a View locally.
	outcome, err := f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	views, err := f.s.ListViewsByStatus(ctx, f.asset, store.ViewPrepare)
	require.NoError(t, err)
	require.Len(t, views, 1)

	// Tick 2: ViewThresholdReached — leader selects the view, creates and
	// signs a Proposal.
	outcome, err = f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	proposals, err := f.s.ListProposalsByStatus(ctx, f.asset, store.ProposalPending)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	proposalID := proposals[0].ID

	// Tick 3: SignedProposalThresholdReached — leader assembles the ASM and
	// applies commit locally (threshold is committee-of-one).
	outcome, err = f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	finalProposal, err := f.s.GetProposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalFinalized, finalProposal.Status)

	committedInstr, err := f.s.GetInstruction(ctx, instr.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstructionCommit, committedInstr.Status)
	require.NotNil(t, committedInstr.ProposalID)
	require.Equal(t, proposalID, *committedInstr.ProposalID)

	var committedView store.View
	require.NoError(t, f.db.Where("asset_id = ?", f.asset).First(&committedView, "status = ?", store.ViewCommit).Error)
	require.Equal(t, proposalID, *committedView.ProposalID)

	head, err := f.s.GetAssetState(ctx, f.asset)
	require.NoError(t, err)
	require.Contains(t, string(head.AdditionalData), "last_issued_token")

	var tokens []store.Token
	require.NoError(t, f.db.Where("asset_state_id = ?", f.asset).Find(&tokens).Error)
	require.Len(t, tokens, 1)
	require.Equal(t, uint64(1), tokens[0].IssueNumber)
	require.Equal(t, f.asset, tokens[0].AssetStateID)

	// Tick 4: nothing left to do.
	outcome, err = f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Idle, outcome)
}

// TestTemplateRejectsInstruction is §8 seed scenario 2: a contract rejects
// the instruction; it ends in Invalid, no Token is minted, and AssetState is
// unchanged.
func TestTemplateRejectsInstruction(t *testing.T) {
	self := ids.RandomNodeID()
	f := newFixture(t, self, self)
	ctx := context.Background()

	before, err := f.s.GetAssetState(ctx, f.asset)
	require.NoError(t, err)

	instr := f.scheduleAndProcess(t, 99) // violates the contract's quantity==1 rule
	require.Nil(t, instr)

	var tokens []store.Token
	require.NoError(t, f.db.Where("asset_state_id = ?", f.asset).Find(&tokens).Error)
	require.Empty(t, tokens)

	after, err := f.s.GetAssetState(ctx, f.asset)
	require.NoError(t, err)
	require.JSONEq(t, string(before.AdditionalData), string(after.AdditionalData))

	// No consensus work should be pending for this asset.
	outcome, err := f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Idle, outcome)
}

// TestNonLeaderSignsAcceptedProposal is §8 seed scenario 3.
func TestNonLeaderSignsAcceptedProposal(t *testing.T) {
	leader := ids.RandomNodeID()
	member := ids.RandomNodeID()
	f := newFixture(t, member, leader)
	ctx := context.Background()

	proposalID := ids.ProposalID("0000000000000000000000000000pn")
	require.NoError(t, f.s.InsertProposal(ctx, store.Proposal{ID: proposalID, AssetID: f.asset, LeaderNodeID: leader, Status: store.ProposalPending, NewView: store.JSON(`{}`)}))

	outcome, err := f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	updated, err := f.s.GetProposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalSigned, updated.Status)

	signed, err := f.s.ListSignedProposalsByStatus(ctx, proposalID, store.SignedProposalPending)
	require.NoError(t, err)
	require.Len(t, signed, 1)
	require.Equal(t, member, signed[0].SignerNodeID)

	sentToLeader := f.channel.SignedProposalsFor(leader)
	require.Len(t, sentToLeader, 1)
}

// TestAggregateSignatureCommitOnNonLeader is §8 seed scenario 5.
func TestAggregateSignatureCommitOnNonLeader(t *testing.T) {
	leader := ids.RandomNodeID()
	member := ids.RandomNodeID()
	f := newFixture(t, member, leader)
	ctx := context.Background()

	committedID := ids.InstructionID("0000000000000000000000000000d1")
	invalidID := ids.InstructionID("0000000000000000000000000000d2")
	_, err := f.s.CreateInstruction(ctx, store.NewInstruction{ID: committedID, AssetID: f.asset, ContractName: "issue_tokens"})
	require.NoError(t, err)
	_, err = f.s.CreateInstruction(ctx, store.NewInstruction{ID: invalidID, AssetID: f.asset, ContractName: "issue_tokens"})
	require.NoError(t, err)
	require.NoError(t, f.s.RawSetInstructionStatus(f.db, committedID, store.InstructionPending, nil))
	require.NoError(t, f.s.RawSetInstructionStatus(f.db, invalidID, store.InstructionPending, nil))

	viewID := ids.ProposalID("0000000000000000000000000000v9")
	require.NoError(t, f.s.InsertView(ctx, store.View{ID: viewID, AssetID: f.asset, Status: store.ViewPreCommit}))

	proposalID := ids.ProposalID("0000000000000000000000000000p9")
	payload := struct {
		ID                    ids.ProposalID `json:"ID"`
		AssetID               ids.AssetID    `json:"AssetID"`
		InstructionSet        store.JSON     `json:"InstructionSet"`
		InvalidInstructionSet store.JSON     `json:"InvalidInstructionSet"`
		AppendOnlyState       store.JSON     `json:"AppendOnlyState"`
	}{
		ID:                    viewID,
		AssetID:               f.asset,
		InstructionSet:        mustEncodeSet(t, committedID),
		InvalidInstructionSet: mustEncodeSet(t, invalidID),
		AppendOnlyState:       store.JSON(`{"asset_deltas":[],"token_deltas":[]}`),
	}
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, f.s.InsertProposal(ctx, store.Proposal{ID: proposalID, AssetID: f.asset, LeaderNodeID: leader, Status: store.ProposalPending, NewView: payloadJSON}))
	require.NoError(t, f.s.InsertAggregateSignatureMessage(ctx, store.AggregateSignatureMessage{ProposalID: proposalID, Status: store.AggregateSignaturePending}))

	outcome, err := f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	var gotView store.View
	require.NoError(t, f.db.First(&gotView, "id = ?", viewID).Error)
	require.Equal(t, store.ViewCommit, gotView.Status)

	committed, err := f.s.GetInstruction(ctx, committedID)
	require.NoError(t, err)
	require.Equal(t, store.InstructionCommit, committed.Status)

	invalid, err := f.s.GetInstruction(ctx, invalidID)
	require.NoError(t, err)
	require.Equal(t, store.InstructionInvalid, invalid.Status)

	var asm store.AggregateSignatureMessage
	require.NoError(t, f.db.Where("proposal_id = ?", proposalID).First(&asm).Error)
	require.Equal(t, store.AggregateSignatureAccepted, asm.Status)
}

// TestTickReturnsBusyWhenLeaseHeld is the worker side of §8 seed scenario 6:
// a tick that finds work but cannot acquire the lease reports Busy, not an
// error, and does not mutate any consensus row.
func TestTickReturnsBusyWhenLeaseHeld(t *testing.T) {
	self := ids.RandomNodeID()
	f := newFixture(t, self, self)
	ctx := context.Background()

	instr := f.scheduleAndProcess(t, 1)
	require.NotNil(t, instr)

	require.NoError(t, f.leaseMgr.Acquire(ctx, f.asset, time.Minute))

	outcome, err := f.runner.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, Busy, outcome)

	views, err := f.s.ListViewsByStatus(ctx, f.asset, store.ViewPrepare)
	require.NoError(t, err)
	require.Empty(t, views)
}

func mustEncodeSet(t *testing.T, id ids.InstructionID) store.JSON {
	t.Helper()
	data, err := json.Marshal([]string{id.String()})
	require.NoError(t, err)
	return data
}

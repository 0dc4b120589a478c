package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"validatorcore/consensus/ids"
)

// Sentinel errors surfaced by the entity store, following the taxonomy in §7.
var (
	ErrNotFound           = errors.New("store: not found")
	ErrAlreadyExists      = errors.New("store: already exists")
	ErrInvariantViolation = errors.New("store: invariant violation")
)

// Store is the gorm-backed entity store (C2).
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for packages (lease, worker) that need to
// compose their own transactions against the same connection pool.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateDigitalAsset inserts the immutable catalog descriptor and its initial
// AssetState head in one transaction.
func (s *Store) CreateDigitalAsset(ctx context.Context, asset DigitalAsset, initialData JSON) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&asset).Error; err != nil {
			return err
		}
		head := AssetState{
			AssetID:        asset.AssetID,
			InitialData:    initialData,
			AdditionalData: initialData,
			Status:         AssetActive,
			BlockedUntil:   time.Unix(0, 0).UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		return tx.Create(&head).Error
	})
}

// ListDigitalAssetIDs returns every catalog asset ID, used by the worker loop
// to build its per-tick scan set (§4.2: "for each asset the node serves").
func (s *Store) ListDigitalAssetIDs(ctx context.Context) ([]ids.AssetID, error) {
	var rows []DigitalAsset
	if err := s.db.WithContext(ctx).Select("asset_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ids.AssetID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.AssetID)
	}
	return out, nil
}

// GetAssetState fetches the current head for an asset.
func (s *Store) GetAssetState(ctx context.Context, asset ids.AssetID) (*AssetState, error) {
	var state AssetState
	if err := s.db.WithContext(ctx).First(&state, "asset_id = ?", asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %s: %w", asset, ErrNotFound)
		}
		return nil, err
	}
	return &state, nil
}

// NewInstruction is the ingress-facing constructor payload (§6).
type NewInstruction struct {
	ID               ids.InstructionID
	InitiatingNodeID ids.NodeID
	AssetID          ids.AssetID
	TokenID          *ids.TokenID
	TemplateType     uint32
	TemplateVersion  uint16
	ContractName     string
	Params           JSON
}

// CreateInstruction enqueues an instruction in the Scheduled state.
func (s *Store) CreateInstruction(ctx context.Context, in NewInstruction) (*Instruction, error) {
	instr := Instruction{
		ID:               in.ID,
		InitiatingNodeID: in.InitiatingNodeID,
		AssetID:          in.AssetID,
		TokenID:          in.TokenID,
		TemplateType:     in.TemplateType,
		TemplateVersion:  in.TemplateVersion,
		ContractName:     in.ContractName,
		Params:           in.Params,
		Status:           InstructionScheduled,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&instr).Error; err != nil {
		return nil, err
	}
	return &instr, nil
}

// GetInstruction fetches a single instruction by ID.
func (s *Store) GetInstruction(ctx context.Context, id ids.InstructionID) (*Instruction, error) {
	var instr Instruction
	if err := s.db.WithContext(ctx).First(&instr, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instruction %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &instr, nil
}

// ListInstructionsByStatus returns instructions for an asset in a given
// status, oldest first.
func (s *Store) ListInstructionsByStatus(ctx context.Context, asset ids.AssetID, status InstructionStatus) ([]Instruction, error) {
	var out []Instruction
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status = ?", asset, status).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// rawSetInstructionStatus applies a status/proposal_id update without
// checking the transition table; callers (consensus/instruction) are
// responsible for enforcing §4.3's allowed-transition set before calling
// this.
func (s *Store) rawSetInstructionStatus(tx *gorm.DB, id ids.InstructionID, status InstructionStatus, proposalID *ids.ProposalID) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if proposalID != nil {
		updates["proposal_id"] = *proposalID
	}
	res := tx.Model(&Instruction{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instruction %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetInstructionStatusAndDeltas applies a single-instruction status change
// together with its template-execution result in one update. It does not
// check the transition table itself. deltas
// is nil when transitioning into Processing (no result yet) or Invalid
// (rejected, no deltas to stage).
func (s *Store) SetInstructionStatusAndDeltas(ctx context.Context, tx *gorm.DB, id ids.InstructionID, status InstructionStatus, deltas JSON) error {
	run := tx
	if run == nil {
		run = s.db.WithContext(ctx)
	}
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if deltas != nil {
		updates["pending_deltas"] = deltas
	}
	res := run.Model(&Instruction{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instruction %s: %w", id, ErrNotFound)
	}
	return nil
}

// WithTx runs fn inside a single database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// RawSetInstructionStatus exposes rawSetInstructionStatus to sibling
// packages (consensus/instruction) that own the guarded transition table.
func (s *Store) RawSetInstructionStatus(tx *gorm.DB, id ids.InstructionID, status InstructionStatus, proposalID *ids.ProposalID) error {
	return s.rawSetInstructionStatus(tx, id, status, proposalID)
}

// InsertView persists a View with the status the caller set on it (the
// worker inserts freshly built views in Prepare).
func (s *Store) InsertView(ctx context.Context, v View) error {
	v.CreatedAt = time.Now().UTC()
	v.UpdatedAt = v.CreatedAt
	return s.db.WithContext(ctx).Create(&v).Error
}

// ListViewsByStatus returns views for an asset in a given status.
func (s *Store) ListViewsByStatus(ctx context.Context, asset ids.AssetID, status ViewStatus) ([]View, error) {
	var out []View
	err := s.db.WithContext(ctx).Where("asset_id = ? AND status = ?", asset, status).Find(&out).Error
	return out, err
}

// MarkViewStatus updates a view's status (and optionally its owning
// proposal_id) outside of a larger transaction.
func (s *Store) MarkViewStatus(ctx context.Context, id ids.ProposalID, status ViewStatus, proposalID *ids.ProposalID) error {
	updates := map[string]any{"status": status, "updated_at": time.Now().UTC()}
	if proposalID != nil {
		updates["proposal_id"] = *proposalID
	}
	return s.db.WithContext(ctx).Model(&View{}).Where("id = ?", id).Updates(updates).Error
}

// InsertProposal persists a Proposal with the status the caller set on it
// (the worker inserts new proposals in Pending).
func (s *Store) InsertProposal(ctx context.Context, p Proposal) error {
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	return s.db.WithContext(ctx).Create(&p).Error
}

// GetProposal fetches a single proposal.
func (s *Store) GetProposal(ctx context.Context, id ids.ProposalID) (*Proposal, error) {
	var p Proposal
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// ListProposalsByStatus returns proposals for an asset in a given status.
func (s *Store) ListProposalsByStatus(ctx context.Context, asset ids.AssetID, status ProposalStatus) ([]Proposal, error) {
	var out []Proposal
	err := s.db.WithContext(ctx).Where("asset_id = ? AND status = ?", asset, status).Order("created_at ASC").Find(&out).Error
	return out, err
}

// MarkProposalStatus updates a proposal's status.
func (s *Store) MarkProposalStatus(ctx context.Context, id ids.ProposalID, status ProposalStatus) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

// InsertSignedProposal records a committee member's signature.
func (s *Store) InsertSignedProposal(ctx context.Context, sp SignedProposal) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	sp.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(&sp).Error
}

// ListSignedProposalsByStatus returns signed proposals for a proposal in a
// given status.
func (s *Store) ListSignedProposalsByStatus(ctx context.Context, proposal ids.ProposalID, status SignedProposalStatus) ([]SignedProposal, error) {
	var out []SignedProposal
	err := s.db.WithContext(ctx).Where("proposal_id = ? AND status = ?", proposal, status).Find(&out).Error
	return out, err
}

// MarkSignedProposalsStatus bulk-updates signed proposal status (used when
// the selector invalidates a threshold-met set authored against a stale
// leader, §4.1 item 2).
func (s *Store) MarkSignedProposalsStatus(ctx context.Context, idsToMark []uuid.UUID, status SignedProposalStatus) error {
	if len(idsToMark) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&SignedProposal{}).Where("id IN ?", idsToMark).
		Update("status", status).Error
}

// InsertAggregateSignatureMessage persists a freshly assembled ASM.
func (s *Store) InsertAggregateSignatureMessage(ctx context.Context, asm AggregateSignatureMessage) error {
	if asm.ID == uuid.Nil {
		asm.ID = uuid.New()
	}
	asm.CreatedAt = time.Now().UTC()
	asm.UpdatedAt = asm.CreatedAt
	return s.db.WithContext(ctx).Create(&asm).Error
}

// ListPendingAggregateSignatureMessages returns ASMs in Pending status whose
// Proposal belongs to the given asset.
func (s *Store) ListPendingAggregateSignatureMessages(ctx context.Context, asset ids.AssetID) ([]AggregateSignatureMessage, error) {
	var out []AggregateSignatureMessage
	err := s.db.WithContext(ctx).
		Joins("JOIN proposals ON proposals.id = aggregate_signature_messages.proposal_id").
		Where("proposals.asset_id = ? AND aggregate_signature_messages.status = ?", asset, AggregateSignaturePending).
		Find(&out).Error
	return out, err
}

// MarkAggregateSignatureStatus updates an ASM's status.
func (s *Store) MarkAggregateSignatureStatus(ctx context.Context, id uuid.UUID, status AggregateSignatureStatus) error {
	return s.db.WithContext(ctx).Model(&AggregateSignatureMessage{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

// MergeAdditionalData implements §4.4's shallow-merge semantics: keys in the
// new row overwrite the previous head, including explicit JSON nulls, which
// are preserved rather than treated as deletions.
func MergeAdditionalData(head JSON, next JSON) (JSON, error) {
	base := map[string]json.RawMessage{}
	if len(head) > 0 {
		if err := json.Unmarshal(head, &base); err != nil {
			return nil, fmt.Errorf("store: merge base: %w", err)
		}
	}
	var delta map[string]json.RawMessage
	if len(next) > 0 {
		if err := json.Unmarshal(next, &delta); err != nil {
			return nil, fmt.Errorf("store: merge delta: %w", err)
		}
	}
	for k, v := range delta {
		base[k] = v
	}
	return json.Marshal(base)
}

// CommitView is the single function that mutates head state (§4.2's
// "Commit application"), executed as one transaction so a crash mid-commit
// leaves the asset unchanged. committedInstructions/invalidInstructions are
// the instruction_set/invalid_instruction_set of the chosen view.
func (s *Store) CommitView(ctx context.Context, view View, proposalID ids.ProposalID, assetDeltas []AssetStateAppendOnly, tokenDeltas []TokenStateAppendOnly, committedInstructions, invalidInstructions []ids.InstructionID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Step 1: the chosen view reaches Commit, tagged with its proposal.
		res := tx.Model(&View{}).Where("id = ? AND status = ?", view.ID, ViewPreCommit).
			Updates(map[string]any{"status": ViewCommit, "proposal_id": proposalID, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("view %s not in PreCommit: %w", view.ID, ErrInvariantViolation)
		}

		// Step 2: append asset deltas and fold them into the AssetState head.
		for _, delta := range assetDeltas {
			if delta.ID == uuid.Nil {
				delta.ID = uuid.New()
			}
			delta.CreatedAt = time.Now().UTC()
			if delta.CommitTime.IsZero() {
				delta.CommitTime = delta.CreatedAt
			}
			if err := tx.Create(&delta).Error; err != nil {
				return err
			}
			var head AssetState
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&head, "asset_id = ?", delta.AssetID).Error; err != nil {
				return err
			}
			merged, err := MergeAdditionalData(head.AdditionalData, delta.StateDataJSON)
			if err != nil {
				return err
			}
			if err := tx.Model(&AssetState{}).Where("asset_id = ?", delta.AssetID).Updates(map[string]any{
				"additional_data": merged,
				"status":          delta.Status,
				"updated_at":      time.Now().UTC(),
			}).Error; err != nil {
				return err
			}
		}

		// Step 3: append token deltas and fold them into each Token mirror.
		for _, delta := range tokenDeltas {
			if delta.ID == uuid.Nil {
				delta.ID = uuid.New()
			}
			delta.CreatedAt = time.Now().UTC()
			if delta.CommitTime.IsZero() {
				delta.CommitTime = delta.CreatedAt
			}
			if err := tx.Create(&delta).Error; err != nil {
				return err
			}
			var head Token
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&head, "token_id = ?", delta.TokenID).Error; err != nil {
				return err
			}
			merged, err := MergeAdditionalData(head.AdditionalData, delta.StateDataJSON)
			if err != nil {
				return err
			}
			if err := tx.Model(&Token{}).Where("token_id = ?", delta.TokenID).Updates(map[string]any{
				"additional_data": merged,
				"status":          delta.Status,
				"updated_at":      time.Now().UTC(),
			}).Error; err != nil {
				return err
			}
		}

		// Step 4: the proposal is finalized.
		if err := tx.Model(&Proposal{}).Where("id = ?", proposalID).
			Updates(map[string]any{"status": ProposalFinalized, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}

		// Step 5: committed instructions move Pending -> Commit.
		for _, id := range committedInstructions {
			if err := s.rawSetInstructionStatus(tx, id, InstructionCommit, &proposalID); err != nil {
				return err
			}
		}

		// Step 6: rejected instructions move Pending -> Invalid.
		for _, id := range invalidInstructions {
			if err := s.rawSetInstructionStatus(tx, id, InstructionInvalid, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// MintToken inserts a new Token under asset with the next issue_number,
// assigned by a per-asset strictly increasing counter (§4.4).
func (s *Store) MintToken(ctx context.Context, tx *gorm.DB, tokenID ids.TokenID, asset ids.AssetID, initialData JSON) (*Token, error) {
	run := tx
	if run == nil {
		run = s.db.WithContext(ctx)
	}
	var maxIssue struct{ Max uint64 }
	if err := run.Model(&Token{}).
		Select("COALESCE(MAX(issue_number), 0) AS max").
		Where("asset_state_id = ?", asset).
		Scan(&maxIssue).Error; err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	token := Token{
		TokenID:        tokenID,
		AssetStateID:   asset,
		InitialData:    initialData,
		AdditionalData: initialData,
		Status:         AssetActive,
		IssueNumber:    maxIssue.Max + 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := run.Create(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

// GetToken fetches a token by ID.
func (s *Store) GetToken(ctx context.Context, id ids.TokenID) (*Token, error) {
	var t Token
	if err := s.db.WithContext(ctx).First(&t, "token_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

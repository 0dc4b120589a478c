// Package store is the entity store (§3 of the design): persistent entities
// for assets, tokens, instructions, views, proposals, signed proposals and
// aggregate signature messages, with transactional update semantics and
// append-only history tables. It is backed by gorm, following the same
// model-and-AutoMigrate shape as the gateway service this core was grown
// from.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"validatorcore/consensus/ids"
)

// JSON is the dynamic structured-value payload used for instruction params
// and append-only state data. Go's encoding/json already treats
// interface{}/json.RawMessage as a tagged union of null/bool/number/string/
// array/object, so there is no need for a bespoke sum type here.
type JSON = json.RawMessage

// AssetStatus mirrors the status of the latest append-only row for an asset.
type AssetStatus string

const (
	AssetActive  AssetStatus = "Active"
	AssetRetired AssetStatus = "Retired"
)

// InstructionStatus enumerates the instruction lifecycle (§4.3).
type InstructionStatus string

const (
	InstructionScheduled  InstructionStatus = "Scheduled"
	InstructionProcessing InstructionStatus = "Processing"
	InstructionPending    InstructionStatus = "Pending"
	InstructionInvalid    InstructionStatus = "Invalid"
	InstructionCommit     InstructionStatus = "Commit"
)

// ViewStatus enumerates a View's lifecycle.
type ViewStatus string

const (
	ViewPrepare   ViewStatus = "Prepare"
	ViewPreCommit ViewStatus = "PreCommit"
	ViewCommit    ViewStatus = "Commit"
	ViewNotChosen ViewStatus = "NotChosen"
	ViewInvalid   ViewStatus = "Invalid"
)

// ProposalStatus enumerates a Proposal's lifecycle.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "Pending"
	ProposalSigned    ProposalStatus = "Signed"
	ProposalFinalized ProposalStatus = "Finalized"
	ProposalInvalid   ProposalStatus = "Invalid"
)

// SignedProposalStatus enumerates a SignedProposal's lifecycle.
type SignedProposalStatus string

const (
	SignedProposalPending   SignedProposalStatus = "Pending"
	SignedProposalValidated SignedProposalStatus = "Validated"
	SignedProposalInvalid   SignedProposalStatus = "Invalid"
)

// AggregateSignatureStatus enumerates an AggregateSignatureMessage's lifecycle.
type AggregateSignatureStatus string

const (
	AggregateSignaturePending  AggregateSignatureStatus = "Pending"
	AggregateSignatureAccepted AggregateSignatureStatus = "Accepted"
	AggregateSignatureInvalid  AggregateSignatureStatus = "Invalid"
)

// DigitalAsset is the catalog descriptor created once by the issuer and
// immutable thereafter.
type DigitalAsset struct {
	AssetID         ids.AssetID `gorm:"column:asset_id;type:varchar(64);primaryKey"`
	TemplateType    uint32      `gorm:"not null"`
	TemplateVersion uint16      `gorm:"not null"`
	CommitteeMode   string      `gorm:"size:32;not null"`
	FQDN            *string     `gorm:"size:255"`
	RaidID          *string     `gorm:"size:32"`
	CreatedAt       time.Time
}

// AssetState is the mutable head of an asset. Exactly one row exists per
// AssetID. AdditionalData is never written directly; see
// AssetStateAppendOnly.
type AssetState struct {
	AssetID        ids.AssetID `gorm:"column:asset_id;type:varchar(64);primaryKey"`
	InitialData    JSON        `gorm:"type:jsonb"`
	AdditionalData JSON        `gorm:"type:jsonb"`
	Status         AssetStatus `gorm:"size:16;index"`
	BlockedUntil   time.Time   `gorm:"index"`
	UpdatedAt      time.Time
}

// AssetStateAppendOnly is an immutable state-delta row. The AssetState head
// is the ordered merge of these rows (§4.4).
type AssetStateAppendOnly struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AssetID       ids.AssetID       `gorm:"column:asset_id;type:varchar(64);index"`
	InstructionID ids.InstructionID `gorm:"column:instruction_id;type:varchar(32);index"`
	StateDataJSON JSON              `gorm:"type:jsonb"`
	Status        AssetStatus       `gorm:"size:16"`
	CommitTime    time.Time         `gorm:"index"`
	CreatedAt     time.Time
}

// Token is minted under exactly one AssetID. IssueNumber is a per-asset
// monotone counter assigned on insert. AdditionalData/Status are the token's
// mutable head, mirroring AssetState: never written directly, only folded
// from TokenStateAppendOnly rows during CommitView (§4.2 step 3, §4.4).
type Token struct {
	TokenID        ids.TokenID `gorm:"column:token_id;type:varchar(96);primaryKey"`
	AssetStateID   ids.AssetID `gorm:"column:asset_state_id;type:varchar(64);index"`
	InitialData    JSON        `gorm:"type:jsonb"`
	AdditionalData JSON        `gorm:"type:jsonb"`
	Status         AssetStatus `gorm:"size:16"`
	IssueNumber    uint64      `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenStateAppendOnly mirrors AssetStateAppendOnly for tokens.
type TokenStateAppendOnly struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TokenID       ids.TokenID       `gorm:"column:token_id;type:varchar(96);index"`
	InstructionID ids.InstructionID `gorm:"column:instruction_id;type:varchar(32);index"`
	StateDataJSON JSON              `gorm:"type:jsonb"`
	Status        AssetStatus       `gorm:"size:16"`
	CommitTime    time.Time         `gorm:"index"`
	CreatedAt     time.Time
}

// Instruction is the atomic unit of work (§4.3).
type Instruction struct {
	ID               ids.InstructionID `gorm:"column:id;type:varchar(32);primaryKey"`
	InitiatingNodeID ids.NodeID        `gorm:"column:initiating_node_id;type:varchar(12);index"`
	AssetID          ids.AssetID       `gorm:"column:asset_id;type:varchar(64);index"`
	TokenID          *ids.TokenID      `gorm:"column:token_id;type:varchar(96)"`
	TemplateType     uint32            `gorm:"not null"`
	TemplateVersion  uint16            `gorm:"not null"`
	ContractName     string            `gorm:"size:128"`
	Params           JSON              `gorm:"type:jsonb"`
	Status           InstructionStatus `gorm:"size:16;index"`
	ProposalID       *ids.ProposalID   `gorm:"column:proposal_id;type:varchar(32);index"`
	// PendingDeltas holds the template runtime's result (asset_deltas,
	// token_deltas) once the instruction reaches Pending. The worker's
	// PreparingView dispatch folds these into a View's append_only_state;
	// the template runtime is not invoked again for them.
	PendingDeltas JSON `gorm:"column:pending_deltas;type:jsonb"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// View is a proposed batch of instructions for a single asset (§4.5).
type View struct {
	ID                    ids.ProposalID  `gorm:"column:id;type:varchar(32);primaryKey"`
	AssetID               ids.AssetID     `gorm:"column:asset_id;type:varchar(64);index"`
	InitiatingNodeID      ids.NodeID      `gorm:"column:initiating_node_id;type:varchar(12)"`
	InstructionSet        JSON            `gorm:"type:jsonb"`
	InvalidInstructionSet JSON            `gorm:"type:jsonb"`
	AppendOnlyState       JSON            `gorm:"type:jsonb"`
	Status                ViewStatus      `gorm:"size:16;index"`
	ProposalID            *ids.ProposalID `gorm:"column:proposal_id;type:varchar(32);uniqueIndex"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Proposal wraps a leader's selected View, pending committee signatures.
type Proposal struct {
	ID           ids.ProposalID `gorm:"column:id;type:varchar(32);primaryKey"`
	AssetID      ids.AssetID    `gorm:"column:asset_id;type:varchar(64);index"`
	LeaderNodeID ids.NodeID     `gorm:"column:leader_node_id;type:varchar(12)"`
	NewView      JSON           `gorm:"type:jsonb"`
	Status       ProposalStatus `gorm:"size:16;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SignedProposal is a committee member's signature over a Proposal.
type SignedProposal struct {
	ID           uuid.UUID            `gorm:"type:uuid;primaryKey"`
	ProposalID   ids.ProposalID       `gorm:"column:proposal_id;type:varchar(32);index"`
	SignerNodeID ids.NodeID           `gorm:"column:signer_node_id;type:varchar(12)"`
	Signature    []byte               `gorm:"type:bytea"`
	Status       SignedProposalStatus `gorm:"size:16;index"`
	CreatedAt    time.Time
}

// AggregateSignatureMessage collects committee signatures proving a
// Proposal's supermajority (stubbed to quorum=1 per §1 Non-goals).
type AggregateSignatureMessage struct {
	ID         uuid.UUID                `gorm:"type:uuid;primaryKey"`
	ProposalID ids.ProposalID           `gorm:"column:proposal_id;type:varchar(32);uniqueIndex"`
	Signatures JSON                     `gorm:"type:jsonb"`
	Status     AggregateSignatureStatus `gorm:"size:16;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the consensus core.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DigitalAsset{},
		&AssetState{},
		&AssetStateAppendOnly{},
		&Token{},
		&TokenStateAppendOnly{},
		&Instruction{},
		&View{},
		&Proposal{},
		&SignedProposal{},
		&AggregateSignatureMessage{},
	)
}

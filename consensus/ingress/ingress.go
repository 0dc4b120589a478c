// Package ingress is the inbound client surface (C10, §6): accepts
// create_instruction calls, enqueues the instruction as Scheduled, then
// drives it through the template runtime synchronously to its
// Processing-stage outcome, the same way the original contract-call
// handler admits work before the consensus worker loop ever sees it.
// Authentication, authorization, and the full HTTP request surface for
// template contract calls are out of scope (§1); this package wires one
// concrete enqueue endpoint so the core is exercised end to end.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"validatorcore/consensus/ids"
	"validatorcore/consensus/instruction"
	"validatorcore/consensus/store"
	"validatorcore/consensus/template"
	"validatorcore/observability/logging"
)

// Controller accepts NewInstruction payloads, assigns a time-ordered ID,
// schedules the instruction, and runs it through the template runtime.
type Controller struct {
	machine  *instruction.Machine
	runtime  template.Runtime
	idgen    *ids.Generator
	initiate ids.NodeID
	logger   *slog.Logger
}

// New constructs a Controller over the shared instruction machine and
// template runtime.
func New(machine *instruction.Machine, runtime template.Runtime, idgen *ids.Generator, self ids.NodeID) *Controller {
	return &Controller{machine: machine, runtime: runtime, idgen: idgen, initiate: self, logger: slog.Default()}
}

// CreateInstructionRequest is the enqueue payload from §6, minus id/status,
// which the controller assigns.
type CreateInstructionRequest struct {
	AssetID         ids.AssetID  `json:"asset_id"`
	TokenID         *ids.TokenID `json:"token_id,omitempty"`
	TemplateType    uint32       `json:"template_type"`
	TemplateVersion uint16       `json:"template_version"`
	ContractName    string       `json:"contract_name"`
	Params          store.JSON   `json:"params"`
}

// CreateInstruction implements the §6 enqueue operation: the instruction is
// created Scheduled, then processed to Pending or Invalid before returning,
// mirroring the synchronous contract-call path the admission surface was
// grown from.
func (c *Controller) CreateInstruction(ctx context.Context, req CreateInstructionRequest) (*store.Instruction, error) {
	c.logger.Debug("admitting instruction",
		"asset", req.AssetID,
		"contract", req.ContractName,
		logging.MaskField("params", string(req.Params)))
	created, err := c.machine.Schedule(ctx, store.NewInstruction{
		ID:               ids.InstructionID(c.idgen.NextInstructionID()),
		InitiatingNodeID: c.initiate,
		AssetID:          req.AssetID,
		TokenID:          req.TokenID,
		TemplateType:     req.TemplateType,
		TemplateVersion:  req.TemplateVersion,
		ContractName:     req.ContractName,
		Params:           req.Params,
	})
	if err != nil {
		return nil, err
	}
	processed, err := c.machine.Process(ctx, c.runtime, *created)
	if err != nil && !errors.Is(err, template.ErrRejected) {
		return nil, err
	}
	if processed == nil {
		// Rejected: re-fetch so the caller still sees the final Invalid row.
		return c.machine.Lookup(ctx, created.ID)
	}
	return processed, nil
}

// Server is the minimal chi-based HTTP adapter exercising Controller.
type Server struct {
	ctrl   *Controller
	router http.Handler
}

// NewServer builds a configured HTTP router around ctrl.
func NewServer(ctrl *Controller) *Server {
	s := &Server{ctrl: ctrl}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Post("/v1/instructions", s.handleCreateInstruction)
	s.router = r
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleCreateInstruction(w http.ResponseWriter, r *http.Request) {
	var req CreateInstructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.AssetID == "" || req.ContractName == "" {
		http.Error(w, "asset_id and contract_name are required", http.StatusBadRequest)
		return
	}

	instr, err := s.ctrl.CreateInstruction(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, template.ErrRejected):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(instr)
}

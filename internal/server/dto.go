package server

import (
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/risk"
)

// DraftResponse bundles the draft with its derived projections so a
// client never has to compute risk or step validity itself.
type DraftResponse struct {
	Draft    domain.PermitDraft `json:"draft"`
	Risk     *risk.Assessment   `json:"risk,omitempty"`
	Steps    []domain.StepState `json:"steps"`
	Degraded bool               `json:"degraded,omitempty"`
}

func draftResponse(s *engine.Session) DraftResponse {
	return DraftResponse{
		Draft:    s.Draft(),
		Risk:     s.Risk(),
		Steps:    s.StepStates(),
		Degraded: s.Degraded(),
	}
}

type StepsResponse struct {
	Current int                `json:"current"`
	Name    string             `json:"name"`
	Steps   []domain.StepState `json:"steps"`
}

func stepsResponse(s *engine.Session) StepsResponse {
	cur := s.Current()
	return StepsResponse{
		Current: int(cur),
		Name:    cur.String(),
		Steps:   s.StepStates(),
	}
}

type StepChangeResponse struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

// RiskResponse reports the projection, or set=false while either
// ordinal is missing.
type RiskResponse struct {
	Set        bool             `json:"set"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
}

func riskResponse(s *engine.Session) RiskResponse {
	a := s.Risk()
	return RiskResponse{Set: a != nil, Assessment: a}
}

type PermitTypeResponse struct {
	domain.PermitType
	Degraded bool `json:"degraded,omitempty"`
}

func permitTypeResponse(pt domain.PermitType) PermitTypeResponse {
	return PermitTypeResponse{PermitType: pt}
}

type CatalogResponse struct {
	Types    []PermitTypeResponse `json:"types"`
	Degraded bool                 `json:"degraded"`
}

func mapTypes(types []domain.PermitType) []PermitTypeResponse {
	res := make([]PermitTypeResponse, 0, len(types))
	for _, pt := range types {
		res = append(res, permitTypeResponse(pt))
	}
	return res
}

type ReceiptResponse struct {
	PermitNumber string `json:"permit_number"`
	ServerNumber string `json:"server_number"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submitted_at"`
}

func receiptResponse(r domain.SubmissionReceipt) ReceiptResponse {
	return ReceiptResponse{
		PermitNumber: r.PermitNumber,
		ServerNumber: r.ServerNumber,
		Status:       r.Status,
		SubmittedAt:  r.SubmittedAt,
	}
}

/*
dto.go - Request/response shapes for the BAG HTTP API

PURPOSE:
  Wire-level structs separated from domain types so the JSON contract can
  evolve without touching the engine. Listing and history documents
  serialize through their domain types directly (their field names are the
  externally observable contract), so only the request payloads and
  envelope types live here.
*/
package api

// CreateExchangeRequest is the payload for listing a shift.
type CreateExchangeRequest struct {
	UserID         string   `json:"userId"`
	Date           string   `json:"date"`
	Period         string   `json:"period"`
	ShiftType      string   `json:"shiftType"`
	TimeSlot       string   `json:"timeSlot"`
	Comment        string   `json:"comment,omitempty"`
	OperationTypes []string `json:"operationTypes,omitempty"`
}

// ToggleInterestRequest identifies the user toggling interest.
type ToggleInterestRequest struct {
	UserID string `json:"userId"`
}

// ProposeRequest bulk-adds candidates to a listing's interest set.
type ProposeRequest struct {
	UserIDs []string `json:"userIds"`
}

// ValidateRequest chooses the interested user who receives the shift.
type ValidateRequest struct {
	InterestedUserID string `json:"interestedUserId"`
}

// PhaseRequest sets the marketplace phase.
type PhaseRequest struct {
	Phase string `json:"phase"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

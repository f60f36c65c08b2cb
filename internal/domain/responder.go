package domain

import "context"

// ResponseKind selects the outward delivery channel.
type ResponseKind string

const (
	ResponseDM      ResponseKind = "dm"
	ResponseComment ResponseKind = "comment"
)

// ResponseMode selects how a comment response is placed.
type ResponseMode string

const (
	ModeReply ResponseMode = "reply"
	ModeNew   ResponseMode = "new"
)

// SendResult is the responder's report for one delivery attempt.
// Success false with an error code is an API-level rejection; transport
// errors surface as the Send error instead.
type SendResult struct {
	Success      bool   `json:"success"`
	ResponseID   string `json:"responseId,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Responder delivers replies to the outside platform. It may fail
// independently for DM and comment kinds.
type Responder interface {
	Send(ctx context.Context, kind ResponseKind, recipientID string, message string, mode ResponseMode) (*SendResult, error)
}

// ResponderConfig holds configuration for the outward responder.
type ResponderConfig struct {
	// Endpoint is the base URL of the delivery API.
	Endpoint string `env:"MAGPIE_RESPONDER_ENDPOINT"`

	// Token is the bearer token for the delivery API.
	Token string `env:"MAGPIE_RESPONDER_TOKEN"`

	// TimeoutSecs bounds one delivery attempt.
	TimeoutSecs int `env:"MAGPIE_RESPONDER_TIMEOUT" envDefault:"10"`

	// DryRun swaps in a no-op responder that reports success.
	DryRun bool `env:"MAGPIE_RESPONDER_DRY_RUN"`
}

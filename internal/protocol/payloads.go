package protocol

// Wire error codes carried by error-style envelopes. The values mirror the
// error taxonomy used across the pipeline so clients can branch without
// string matching on human-readable messages.
const (
	CodeAuthRequired      = "auth_required"
	CodeForbidden         = "forbidden"
	CodeInvalidToken      = "invalid_token"
	CodeInvalidTransition = "invalid_transition"
	CodeOrderNotFound     = "order_not_found"
	CodeConflictingUpdate = "conflicting_update"
	CodeMalformedEnvelope = "malformed_envelope"
	CodeInternal          = "internal_error"
)

// AuthenticatePayload carries the credentials presented on a new connection.
type AuthenticatePayload struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// AuthenticatedPayload confirms the identity the server attached to the
// connection.
type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// StatusUpdatePayload requests an order status transition.
type StatusUpdatePayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// OrderEventPayload describes an order the audience should reflect locally.
// It backs both order_status_changed and new_order envelopes.
type OrderEventPayload struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId,omitempty"`
	Status     string `json:"status"`
	ChangedBy  string `json:"changedBy,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// PongPayload carries the server timestamp answering a ping.
type PongPayload struct {
	Timestamp string `json:"timestamp"`
}

// ErrorPayload reports a per-envelope failure back to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Messaging
	FieldConversationID = "conversation_id"
	FieldMessageID      = "message_id"
	FieldNonce          = "nonce"
	FieldRecipientID    = "recipient_id"
	FieldEnvelopeType   = "envelope_type"

	// Service
	FieldService = "service"
)

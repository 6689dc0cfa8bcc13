package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Call
	FieldSocketID = "socket_id"
	FieldTicketID = "ticket_id"
	FieldEvent    = "event"
	FieldKind     = "kind"
)

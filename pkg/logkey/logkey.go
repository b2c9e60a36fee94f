package logkey

// Attribute keys shared by every slog call in the service.
const (
	TraceID       = "TRACE ID"
	ERROR         = "ERROR"
	UserID        = "USER ID"
	OrderID       = "ORDER ID"
	CorrelationID = "PAYMENT INTENT ID"
	EventID       = "EVENT ID"
	EventType     = "EVENT TYPE"
	Status        = "STATUS"
)

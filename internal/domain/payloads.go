package domain

// Event payloads. Each event type has exactly one payload shape.

type InvoiceReceivedPayload struct {
	InvoiceID string `json:"invoice_id"`
	// Path optionally points the parser at a document outside its inbox.
	Path string `json:"path,omitempty"`
}

type InvoiceParsedPayload struct {
	TaskID  string        `json:"task_id"`
	Invoice ParsedInvoice `json:"invoice"`
}

type BookingCompletedPayload struct {
	TaskID           string  `json:"task_id"`
	InvoiceID        string  `json:"invoice_id"`
	VendorID         string  `json:"vendor_id,omitempty"`
	Description      string  `json:"description,omitempty"`
	Entry            Entry   `json:"entry"`
	BaseConfidence   int     `json:"base_confidence"`
	Confidence       int     `json:"confidence"`
	ValidationPassed bool    `json:"validation_passed"`
	MatchedPatternID *string `json:"matched_pattern_id,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
}

type BookingApprovedPayload struct {
	BookingID        string  `json:"booking_id"`
	MatchedPatternID *string `json:"matched_pattern_id,omitempty"`
	ApprovedBy       string  `json:"approved_by"`
	ReviewItemID     string  `json:"review_item_id,omitempty"`
}

type BookingRejectedPayload struct {
	BookingID    string `json:"booking_id"`
	ReviewItemID string `json:"review_item_id"`
	RejectedBy   string `json:"rejected_by"`
	Reason       string `json:"reason,omitempty"`
}

type CorrectionReceivedPayload struct {
	CorrectionID string `json:"correction_id"`
}

type TaskFailedPayload struct {
	TaskID     string    `json:"task_id"`
	AgentType  AgentType `json:"agent_type"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error"`
}

// Task payloads.

type ParseInvoiceTask struct {
	InvoiceID string `json:"invoice_id"`
	Path      string `json:"path,omitempty"`
}

type SuggestBookingTask struct {
	Invoice ParsedInvoice `json:"invoice"`
}

type LearnCorrectionTask struct {
	CorrectionID string `json:"correction_id"`
}

type ReinforcePatternTask struct {
	PatternID string `json:"pattern_id"`
	BookingID string `json:"booking_id"`
}

package domain

import "encoding/json"

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Type        EventType       `json:"event_type" enum:"invoice_received,invoice_parsed,booking_completed,booking_approved,booking_rejected,correction_received,task_failed"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	ProcessedAt *string         `json:"processed_at,omitempty" format:"date-time"`
}

type Task struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	AgentType     AgentType       `json:"agent_type" enum:"parser,bookkeeper,learner"`
	TaskType      TaskType        `json:"task_type" enum:"parse_invoice,suggest_booking,learn_correction,reinforce_pattern"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	Status        TaskStatus      `json:"status" enum:"pending,in_progress,completed,failed"`
	Priority      int             `json:"priority" minimum:"1" maximum:"10"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ParentTaskID  *string         `json:"parent_task_id,omitempty"`
	SourceEventID *int64          `json:"source_event_id,omitempty"`
	ClaimedBy     *string         `json:"claimed_by,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	StartedAt     *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string         `json:"completed_at,omitempty" format:"date-time"`
}

type ReviewItem struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	SourceTaskID string         `json:"source_task_id"`
	BookingID    string         `json:"booking_id"`
	Priority     ReviewPriority `json:"priority" enum:"critical,high,medium,low"`
	AIConfidence int            `json:"ai_confidence" minimum:"0" maximum:"100"`
	AIReasoning  string         `json:"ai_reasoning,omitempty"`
	Status       ReviewStatus   `json:"status" enum:"pending,approved,corrected,rejected"`
	ResolvedBy   *string        `json:"resolved_by,omitempty"`
	ResolvedAt   *string        `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type Booking struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	TaskID           string        `json:"task_id"`
	InvoiceID        string        `json:"invoice_id"`
	VendorID         string        `json:"vendor_id,omitempty"`
	Description      string        `json:"description,omitempty"`
	Entry            Entry         `json:"entry"`
	Confidence       int           `json:"confidence"`
	ValidationPassed bool          `json:"validation_passed"`
	MatchedPatternID *string       `json:"matched_pattern_id,omitempty"`
	Status           BookingStatus `json:"status" enum:"proposed,posted,in_review,corrected,rejected"`
	CreatedAt        string        `json:"created_at" format:"date-time"`
	UpdatedAt        string        `json:"updated_at" format:"date-time"`
}

type Correction struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	ReviewItemID     string `json:"review_item_id"`
	BookingID        string `json:"booking_id"`
	VendorID         string `json:"vendor_id,omitempty"`
	Description      string `json:"description,omitempty"`
	OriginalAccount  string `json:"original_account,omitempty"`
	CorrectedAccount string `json:"corrected_account"`
	CreatedBy        string `json:"created_by"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Pattern struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	Type             PatternType `json:"pattern_type" enum:"vendor_account,description_keyword"`
	Key              string      `json:"pattern_key"`
	SuggestedAccount string      `json:"suggested_account"`
	SuccessRate      float64     `json:"success_rate" minimum:"0" maximum:"1"`
	TimesApplied     int         `json:"times_applied"`
	IsActive         bool        `json:"is_active"`
	LastUsedAt       *string     `json:"last_used_at,omitempty" format:"date-time"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ParsedInvoice is the structured output of the invoice-parsing capability.
// Amounts are in minor units (øre).
type ParsedInvoice struct {
	InvoiceID   string        `json:"invoice_id"`
	VendorID    string        `json:"vendor_id,omitempty"`
	VendorName  string        `json:"vendor_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Currency    string        `json:"currency,omitempty"`
	IssueDate   string        `json:"issue_date,omitempty"`
	Lines       []InvoiceLine `json:"lines"`
	NetAmount   int64         `json:"net_amount"`
	VATAmount   int64         `json:"vat_amount"`
	TotalAmount int64         `json:"total_amount"`
}

type InvoiceLine struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity,omitempty"`
	Amount      int64  `json:"amount"`
}

// Entry is a proposed ledger entry.
type Entry struct {
	Postings []Posting `json:"postings"`
}

type Posting struct {
	Account     string `json:"account"`
	Debit       int64  `json:"debit,omitempty"`
	Credit      int64  `json:"credit,omitempty"`
	Description string `json:"description,omitempty"`
}

// Balanced reports whether debits equal credits and the entry is non-empty.
func (e Entry) Balanced() bool {
	if len(e.Postings) == 0 {
		return false
	}
	var debit, credit int64
	for _, p := range e.Postings {
		debit += p.Debit
		credit += p.Credit
	}
	return debit == credit && debit > 0
}

// PrimaryAccount returns the account of the largest debit posting.
func (e Entry) PrimaryAccount() string {
	account := ""
	var max int64 = -1
	for _, p := range e.Postings {
		if p.Debit > max {
			max = p.Debit
			account = p.Account
		}
	}
	return account
}

// WithPrimaryAccount returns a copy of the entry with the primary debit posting
// moved to account.
func (e Entry) WithPrimaryAccount(account string) Entry {
	primary := e.PrimaryAccount()
	out := Entry{Postings: make([]Posting, len(e.Postings))}
	copy(out.Postings, e.Postings)
	for i := range out.Postings {
		if out.Postings[i].Account == primary && out.Postings[i].Debit > 0 {
			out.Postings[i].Account = account
			break
		}
	}
	return out
}

// Package capability holds the work a worker delegates: reading an invoice
// document and proposing a ledger entry for it.
package capability

import (
	"context"
	"errors"

	"agentledger/internal/domain"
)

// ErrInvoiceNotFound means no document exists for the requested invoice.
var ErrInvoiceNotFound = errors.New("invoice document not found")

// ErrOutsideInbox means a document path points outside the tenant's inbox.
var ErrOutsideInbox = errors.New("document path outside tenant inbox")

// InvoiceParser turns a received invoice into structured fields.
type InvoiceParser interface {
	Parse(ctx context.Context, tenantID string, task domain.ParseInvoiceTask) (domain.ParsedInvoice, error)
}

// SuggestRequest carries what a suggester may use. Patterns are the tenant's
// active patterns; the bookkeeper decides separately whether one applies.
type SuggestRequest struct {
	TenantID string
	Invoice  domain.ParsedInvoice
	Patterns []domain.Pattern
}

// Suggestion is a proposed entry with the suggester's own confidence.
type Suggestion struct {
	Entry      domain.Entry `json:"entry"`
	Confidence int          `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// BookingSuggester proposes a ledger entry for a parsed invoice.
type BookingSuggester interface {
	Suggest(ctx context.Context, req SuggestRequest) (Suggestion, error)
}

// Norwegian standard chart (NS 4102) accounts used for supplier invoices.
const (
	AccountPayable   = "2400"
	AccountInputVAT  = "2710"
	AccountOtherCost = "6790"
)

// BuildEntry books an invoice against expense: the net amount is debited to
// expense, VAT to input VAT and the total credited to accounts payable. The
// entry is unbalanced when the invoice's own totals disagree.
func BuildEntry(inv domain.ParsedInvoice, expense string) domain.Entry {
	var postings []domain.Posting
	if inv.NetAmount > 0 {
		postings = append(postings, domain.Posting{Account: expense, Debit: inv.NetAmount, Description: inv.Description})
	}
	if inv.VATAmount > 0 {
		postings = append(postings, domain.Posting{Account: AccountInputVAT, Debit: inv.VATAmount, Description: "Inngående mva"})
	}
	if inv.TotalAmount > 0 {
		postings = append(postings, domain.Posting{Account: AccountPayable, Credit: inv.TotalAmount, Description: inv.VendorName})
	}
	return domain.Entry{Postings: postings}
}

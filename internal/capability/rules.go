package capability

import (
	"context"
	"fmt"

	"agentledger/internal/domain"
	"agentledger/internal/patterns"
)

// RuleSuggester proposes entries without a model. A learned pattern supplies
// the expense account when one applies; otherwise the invoice lands on the
// catch-all account with low confidence so a human sees it.
type RuleSuggester struct {
	// DefaultAccount overrides AccountOtherCost.
	DefaultAccount string
}

func (s RuleSuggester) Suggest(ctx context.Context, req SuggestRequest) (Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return Suggestion{}, err
	}
	inv := req.Invoice
	if p, ok := patterns.Match(req.Patterns, inv.VendorID, inv.Description, 0); ok {
		// Confidence tracks how often the pattern held, between 50 and 80.
		conf := 50 + int(p.SuccessRate*30)
		return Suggestion{
			Entry:      BuildEntry(inv, p.SuggestedAccount),
			Confidence: conf,
			Reasoning:  fmt.Sprintf("%s pattern %q suggests account %s (success rate %.2f over %d uses)", p.Type, p.Key, p.SuggestedAccount, p.SuccessRate, p.TimesApplied),
		}, nil
	}
	account := s.DefaultAccount
	if account == "" {
		account = AccountOtherCost
	}
	return Suggestion{
		Entry:      BuildEntry(inv, account),
		Confidence: 30,
		Reasoning:  "no learned pattern for this vendor or description; booked to " + account,
	}, nil
}

// StaticParser serves invoices from memory. It backs tests and dry runs.
type StaticParser map[string]domain.ParsedInvoice

func (p StaticParser) Parse(_ context.Context, _ string, task domain.ParseInvoiceTask) (domain.ParsedInvoice, error) {
	inv, ok := p[task.InvoiceID]
	if !ok {
		return domain.ParsedInvoice{}, fmt.Errorf("%w: %s", ErrInvoiceNotFound, task.InvoiceID)
	}
	return inv, nil
}

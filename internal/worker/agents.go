package worker

import (
	"context"
	"fmt"

	"agentledger/internal/capability"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/patterns"
	"agentledger/internal/routing"
)

type parser struct {
	capability capability.InvoiceParser
}

func (p parser) execute(ctx context.Context, task domain.Task) (outcome, error) {
	if task.TaskType != domain.TaskParseInvoice {
		return outcome{}, fmt.Errorf("parser cannot run %s", task.TaskType)
	}
	in, err := decodeTask[domain.ParseInvoiceTask](task)
	if err != nil {
		return outcome{}, err
	}
	inv, err := p.capability.Parse(ctx, task.TenantID, in)
	if err != nil {
		return outcome{}, err
	}
	if inv.InvoiceID == "" {
		inv.InvoiceID = in.InvoiceID
	}
	return outcome{
		result: inv,
		emit: &engine.ResultEvent{
			Type:    domain.EventInvoiceParsed,
			Payload: domain.InvoiceParsedPayload{TaskID: task.ID, Invoice: inv},
		},
	}, nil
}

type bookkeeper struct {
	engine    engine.Engine
	suggester capability.BookingSuggester
}

// execute asks the suggester for an entry, then scores it: a boost when an
// active pattern agrees with the suggested account, a penalty when the entry
// does not balance.
func (b bookkeeper) execute(ctx context.Context, task domain.Task) (outcome, error) {
	if task.TaskType != domain.TaskSuggestBooking {
		return outcome{}, fmt.Errorf("bookkeeper cannot run %s", task.TaskType)
	}
	in, err := decodeTask[domain.SuggestBookingTask](task)
	if err != nil {
		return outcome{}, err
	}
	policy, err := b.engine.Policy(ctx, nil, task.TenantID)
	if err != nil {
		return outcome{}, err
	}
	active, err := b.engine.ListPatterns(ctx, task.TenantID, true)
	if err != nil {
		return outcome{}, fmt.Errorf("load patterns: %w", err)
	}
	inv := in.Invoice
	s, err := b.suggester.Suggest(ctx, capability.SuggestRequest{TenantID: task.TenantID, Invoice: inv, Patterns: active})
	if err != nil {
		return outcome{}, err
	}

	base := routing.Clamp(s.Confidence)
	boost := 0
	var matched *string
	if p, ok := patterns.Match(active, inv.VendorID, inv.Description, policy.Patterns.MinSuccessRate); ok &&
		p.SuggestedAccount == s.Entry.PrimaryAccount() {
		boost = policy.Patterns.Boost
		id := p.ID
		matched = &id
	}
	valid := s.Entry.Balanced()
	penalty := 0
	if !valid {
		penalty = policy.Validation.Penalty
	}

	payload := domain.BookingCompletedPayload{
		TaskID:           task.ID,
		InvoiceID:        inv.InvoiceID,
		VendorID:         inv.VendorID,
		Description:      inv.Description,
		Entry:            s.Entry,
		BaseConfidence:   base,
		Confidence:       routing.Score(base, boost, penalty),
		ValidationPassed: valid,
		MatchedPatternID: matched,
		Reasoning:        s.Reasoning,
	}
	return outcome{
		result: payload,
		emit:   &engine.ResultEvent{Type: domain.EventBookingCompleted, Payload: payload},
	}, nil
}

type learner struct {
	engine engine.Engine
}

func (l learner) execute(ctx context.Context, task domain.Task) (outcome, error) {
	switch task.TaskType {
	case domain.TaskLearnCorrection:
		in, err := decodeTask[domain.LearnCorrectionTask](task)
		if err != nil {
			return outcome{}, err
		}
		res, err := l.engine.LearnFromCorrection(ctx, in.CorrectionID)
		if err != nil {
			return outcome{}, err
		}
		return outcome{result: res}, nil
	case domain.TaskReinforcePattern:
		in, err := decodeTask[domain.ReinforcePatternTask](task)
		if err != nil {
			return outcome{}, err
		}
		res, err := l.engine.ReinforcePattern(ctx, in.PatternID, in.BookingID)
		if err != nil {
			return outcome{}, err
		}
		return outcome{result: res}, nil
	}
	return outcome{}, fmt.Errorf("learner cannot run %s", task.TaskType)
}

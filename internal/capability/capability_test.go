package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"agentledger/internal/domain"
)

const sampleUBL = `<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
  xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
  xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:ID>INV-1001</cbc:ID>
  <cbc:IssueDate>2024-03-01</cbc:IssueDate>
  <cbc:DocumentCurrencyCode>NOK</cbc:DocumentCurrencyCode>
  <cac:AccountingSupplierParty>
    <cac:Party>
      <cac:PartyName><cbc:Name>Kontorland AS</cbc:Name></cac:PartyName>
      <cac:PartyTaxScheme><cbc:CompanyID>NO987654321MVA</cbc:CompanyID></cac:PartyTaxScheme>
    </cac:Party>
  </cac:AccountingSupplierParty>
  <cac:TaxTotal><cbc:TaxAmount currencyID="NOK">250.00</cbc:TaxAmount></cac:TaxTotal>
  <cac:LegalMonetaryTotal>
    <cbc:LineExtensionAmount currencyID="NOK">1000.00</cbc:LineExtensionAmount>
    <cbc:TaxExclusiveAmount currencyID="NOK">1000.00</cbc:TaxExclusiveAmount>
    <cbc:TaxInclusiveAmount currencyID="NOK">1250.00</cbc:TaxInclusiveAmount>
    <cbc:PayableAmount currencyID="NOK">1250.00</cbc:PayableAmount>
  </cac:LegalMonetaryTotal>
  <cac:InvoiceLine>
    <cbc:InvoicedQuantity unitCode="EA">4</cbc:InvoicedQuantity>
    <cbc:LineExtensionAmount currencyID="NOK">600.00</cbc:LineExtensionAmount>
    <cac:Item><cbc:Name>Kontorrekvisita</cbc:Name></cac:Item>
  </cac:InvoiceLine>
  <cac:InvoiceLine>
    <cbc:InvoicedQuantity unitCode="EA">1</cbc:InvoicedQuantity>
    <cbc:LineExtensionAmount currencyID="NOK">400.00</cbc:LineExtensionAmount>
    <cac:Item><cbc:Name>Printerpapir</cbc:Name></cac:Item>
  </cac:InvoiceLine>
</Invoice>`

func TestParseUBL(t *testing.T) {
	inv, err := ParseUBL([]byte(sampleUBL))
	require.NoError(t, err)
	assert.Equal(t, "INV-1001", inv.InvoiceID)
	assert.Equal(t, "987654321", inv.VendorID)
	assert.Equal(t, "Kontorland AS", inv.VendorName)
	assert.Equal(t, "NOK", inv.Currency)
	assert.Equal(t, "2024-03-01", inv.IssueDate)
	assert.Equal(t, int64(100000), inv.NetAmount)
	assert.Equal(t, int64(25000), inv.VATAmount)
	assert.Equal(t, int64(125000), inv.TotalAmount)
	require.Len(t, inv.Lines, 2)
	assert.Equal(t, int64(60000), inv.Lines[0].Amount)
	assert.Equal(t, "Kontorrekvisita; Printerpapir", inv.Description)
}

func TestParseUBLRejectsGarbage(t *testing.T) {
	_, err := ParseUBL([]byte("not xml"))
	assert.Error(t, err)
	_, err = ParseUBL([]byte(`<Invoice></Invoice>`))
	assert.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	cases := map[string]int64{
		"":        0,
		"0":       0,
		"12":      1200,
		"12.5":    1250,
		"12.345":  1235,
		"12.344":  1234,
		"-3.005":  -301,
		" 99.99 ": 9999,
	}
	for in, want := range cases {
		got, err := minorUnits(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := minorUnits("12,50")
	assert.Error(t, err)
}

func TestUBLParserReadsInbox(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "acme"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", "inv-1.xml"), []byte(sampleUBL), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", "inv-2.json"),
		[]byte(`{"invoice_id":"x","vendor_id":"123","net_amount":100,"vat_amount":25,"total_amount":125,"lines":[]}`), 0o644))

	p := UBLParser{Dir: dir}
	inv, err := p.Parse(context.Background(), "acme", domain.ParseInvoiceTask{InvoiceID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.InvoiceID, "the task's invoice id wins over the document's")
	assert.Equal(t, int64(125000), inv.TotalAmount)

	inv, err = p.Parse(context.Background(), "acme", domain.ParseInvoiceTask{InvoiceID: "inv-2"})
	require.NoError(t, err)
	assert.Equal(t, "123", inv.VendorID)

	_, err = p.Parse(context.Background(), "acme", domain.ParseInvoiceTask{InvoiceID: "inv-3"})
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
	_, err = p.Parse(context.Background(), "acme", domain.ParseInvoiceTask{InvoiceID: "../etc"})
	assert.Error(t, err)
}

func TestUBLParserStaysInTenantInbox(t *testing.T) {
	dir := t.TempDir()
	for _, tenant := range []string{"acme", "globex"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, tenant, "2024"), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", "2024", "inv-1.xml"), []byte(sampleUBL), 0o644))
	secret := filepath.Join(dir, "globex", "secret.json")
	require.NoError(t, os.WriteFile(secret, []byte(`{"invoice_id":"s","description":"globex confidential"}`), 0o644))

	p := UBLParser{Dir: dir}
	ctx := context.Background()
	inv, err := p.Parse(ctx, "acme", domain.ParseInvoiceTask{InvoiceID: "inv-1", Path: "2024/inv-1.xml"})
	require.NoError(t, err)
	assert.Equal(t, int64(125000), inv.TotalAmount)

	for _, path := range []string{
		"globex/secret.json",
		"../globex/secret.json",
		"2024/../../globex/secret.json",
		secret,
	} {
		inv, err := p.Parse(ctx, "acme", domain.ParseInvoiceTask{InvoiceID: "s", Path: path})
		require.Error(t, err, path)
		assert.Empty(t, inv.Description, path)
	}
	_, err = p.Parse(ctx, "acme", domain.ParseInvoiceTask{InvoiceID: "s", Path: "../globex/secret.json"})
	assert.ErrorIs(t, err, ErrOutsideInbox)
	_, err = p.Parse(ctx, "acme", domain.ParseInvoiceTask{InvoiceID: "s", Path: secret})
	assert.ErrorIs(t, err, ErrOutsideInbox)
	_, err = p.Parse(ctx, "acme", domain.ParseInvoiceTask{InvoiceID: ".."})
	assert.Error(t, err)
	_, err = p.Parse(ctx, "..", domain.ParseInvoiceTask{InvoiceID: "secret"})
	assert.ErrorIs(t, err, ErrOutsideInbox)
}

func TestBuildEntryBalances(t *testing.T) {
	inv := domain.ParsedInvoice{NetAmount: 100000, VATAmount: 25000, TotalAmount: 125000, VendorName: "Kontorland AS"}
	entry := BuildEntry(inv, "6800")
	assert.True(t, entry.Balanced())
	assert.Equal(t, "6800", entry.PrimaryAccount())

	inv.TotalAmount = 120000
	assert.False(t, BuildEntry(inv, "6800").Balanced())
}

func TestRuleSuggesterUsesPattern(t *testing.T) {
	inv := domain.ParsedInvoice{VendorID: "987654321", NetAmount: 800, VATAmount: 200, TotalAmount: 1000}
	s := RuleSuggester{}
	got, err := s.Suggest(context.Background(), SuggestRequest{Invoice: inv, Patterns: []domain.Pattern{{
		ID: "p1", Type: domain.PatternVendorAccount, Key: "987654321", SuggestedAccount: "6800", SuccessRate: 1, TimesApplied: 3, IsActive: true,
	}}})
	require.NoError(t, err)
	assert.Equal(t, "6800", got.Entry.PrimaryAccount())
	assert.Equal(t, 80, got.Confidence)

	got, err = s.Suggest(context.Background(), SuggestRequest{Invoice: inv})
	require.NoError(t, err)
	assert.Equal(t, AccountOtherCost, got.Entry.PrimaryAccount())
	assert.Equal(t, 30, got.Confidence)
}

type fakeModel struct {
	reply  string
	err    error
	prompt string
}

func (m *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompt += text.Text
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func TestLLMSuggester(t *testing.T) {
	model := &fakeModel{reply: "```json\n{\"account\": \"6540\", \"confidence\": 120, \"reasoning\": \"inventar\"}\n```"}
	s := NewLLMSuggesterWithModel(model, LLMConfig{Model: "test", RateLimit: 100, Burst: 1})
	inv := domain.ParsedInvoice{VendorID: "987654321", VendorName: "Møbelhuset", NetAmount: 800, VATAmount: 200, TotalAmount: 1000}
	got, err := s.Suggest(context.Background(), SuggestRequest{Invoice: inv, Patterns: []domain.Pattern{{
		Type: domain.PatternVendorAccount, Key: "987654321", SuggestedAccount: "6540", SuccessRate: 0.9,
	}}})
	require.NoError(t, err)
	assert.Equal(t, "6540", got.Entry.PrimaryAccount())
	assert.Equal(t, 100, got.Confidence)
	assert.Equal(t, "inventar", got.Reasoning)
	assert.True(t, got.Entry.Balanced())
	assert.Contains(t, model.prompt, "Møbelhuset")
	assert.Contains(t, model.prompt, "6540")
}

func TestLLMSuggesterErrors(t *testing.T) {
	s := NewLLMSuggesterWithModel(&fakeModel{err: errors.New("upstream 503")}, LLMConfig{Model: "test"})
	_, err := s.Suggest(context.Background(), SuggestRequest{})
	assert.ErrorContains(t, err, "upstream 503")

	s = NewLLMSuggesterWithModel(&fakeModel{reply: "I think 6540"}, LLMConfig{Model: "test"})
	_, err = s.Suggest(context.Background(), SuggestRequest{})
	assert.ErrorContains(t, err, "no JSON object")

	s = NewLLMSuggesterWithModel(&fakeModel{reply: `{"confidence": 90}`}, LLMConfig{Model: "test"})
	_, err = s.Suggest(context.Background(), SuggestRequest{})
	assert.ErrorContains(t, err, "no account")
}

func TestLLMConfigValidate(t *testing.T) {
	assert.ErrorIs(t, LLMConfig{}.Validate(), ErrInvalidLLMConfig)
	assert.NoError(t, LLMConfig{Model: "gpt-4o-mini"}.Validate())
}

package capability

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"agentledger/internal/domain"
)

// UBLParser reads EHF/PEPPOL UBL invoices from an inbox directory laid out
// as <Dir>/<tenant>/<invoice_id>.xml. A .json file with the same base name
// holding an already structured invoice is accepted too.
type UBLParser struct {
	Dir string
}

type ublAmount struct {
	Value    string `xml:",chardata"`
	Currency string `xml:"currencyID,attr"`
}

type ublParty struct {
	Name      string `xml:"PartyName>Name"`
	Endpoint  string `xml:"EndpointID"`
	TaxScheme string `xml:"PartyTaxScheme>CompanyID"`
	LegalID   string `xml:"PartyLegalEntity>CompanyID"`
	LegalName string `xml:"PartyLegalEntity>RegistrationName"`
}

type ublInvoice struct {
	XMLName   xml.Name `xml:"Invoice"`
	ID        string   `xml:"ID"`
	IssueDate string   `xml:"IssueDate"`
	Currency  string   `xml:"DocumentCurrencyCode"`
	Note      string   `xml:"Note"`
	Supplier  ublParty `xml:"AccountingSupplierParty>Party"`
	TaxTotal  []struct {
		TaxAmount ublAmount `xml:"TaxAmount"`
	} `xml:"TaxTotal"`
	Totals struct {
		LineExtension ublAmount `xml:"LineExtensionAmount"`
		TaxExclusive  ublAmount `xml:"TaxExclusiveAmount"`
		TaxInclusive  ublAmount `xml:"TaxInclusiveAmount"`
		Payable       ublAmount `xml:"PayableAmount"`
	} `xml:"LegalMonetaryTotal"`
	Lines []struct {
		Quantity string    `xml:"InvoicedQuantity"`
		Amount   ublAmount `xml:"LineExtensionAmount"`
		Name     string    `xml:"Item>Name"`
		Desc     string    `xml:"Item>Description"`
	} `xml:"InvoiceLine"`
}

// locate resolves the document for task inside <Dir>/<tenant>. Explicit
// paths are taken relative to that folder and may not leave it.
func (p UBLParser) locate(tenantID string, task domain.ParseInvoiceTask) (string, error) {
	if tenantID == "" || tenantID != filepath.Base(tenantID) || tenantID == ".." {
		return "", fmt.Errorf("%w: tenant %q", ErrOutsideInbox, tenantID)
	}
	root := filepath.Join(p.Dir, tenantID)
	if task.Path != "" {
		path, err := within(root, task.Path)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvoiceNotFound, task.Path)
		}
		return path, nil
	}
	if task.InvoiceID == "" || strings.ContainsAny(task.InvoiceID, `/\`) || strings.Contains(task.InvoiceID, "..") {
		return "", fmt.Errorf("invalid invoice id %q", task.InvoiceID)
	}
	base := filepath.Join(root, task.InvoiceID)
	for _, ext := range []string{".xml", ".json"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvoiceNotFound, task.InvoiceID)
}

// within joins rel onto root, rejecting absolute paths and any path that
// escapes root once cleaned.
func within(root, rel string) (string, error) {
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s", ErrOutsideInbox, rel)
	}
	path := filepath.Join(root, filepath.Clean(rel))
	r, err := filepath.Rel(root, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideInbox, rel)
	}
	return path, nil
}

func (p UBLParser) Parse(ctx context.Context, tenantID string, task domain.ParseInvoiceTask) (domain.ParsedInvoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.ParsedInvoice{}, err
	}
	path, err := p.locate(tenantID, task)
	if err != nil {
		return domain.ParsedInvoice{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ParsedInvoice{}, fmt.Errorf("read invoice: %w", err)
	}
	var inv domain.ParsedInvoice
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &inv); err != nil {
			return inv, fmt.Errorf("decode invoice %s: %w", path, err)
		}
	} else {
		inv, err = ParseUBL(data)
		if err != nil {
			return inv, fmt.Errorf("decode invoice %s: %w", path, err)
		}
	}
	if task.InvoiceID != "" {
		inv.InvoiceID = task.InvoiceID
	}
	return inv, nil
}

// ParseUBL extracts the fields booking needs from a UBL 2.1 invoice.
// Amounts are converted to øre.
func ParseUBL(data []byte) (domain.ParsedInvoice, error) {
	var doc ublInvoice
	if err := xml.Unmarshal(data, &doc); err != nil {
		return domain.ParsedInvoice{}, err
	}
	inv := domain.ParsedInvoice{
		InvoiceID:  strings.TrimSpace(doc.ID),
		VendorName: firstNonEmpty(doc.Supplier.Name, doc.Supplier.LegalName),
		Currency:   strings.TrimSpace(doc.Currency),
		IssueDate:  strings.TrimSpace(doc.IssueDate),
	}
	inv.VendorID = normalizeOrgNumber(firstNonEmpty(doc.Supplier.LegalID, doc.Supplier.TaxScheme, doc.Supplier.Endpoint))

	var err error
	if inv.NetAmount, err = firstAmount(doc.Totals.TaxExclusive, doc.Totals.LineExtension); err != nil {
		return inv, err
	}
	if inv.TotalAmount, err = firstAmount(doc.Totals.TaxInclusive, doc.Totals.Payable); err != nil {
		return inv, err
	}
	for _, t := range doc.TaxTotal {
		v, err := minorUnits(t.TaxAmount.Value)
		if err != nil {
			return inv, err
		}
		inv.VATAmount += v
	}
	var names []string
	for _, l := range doc.Lines {
		amount, err := minorUnits(l.Amount.Value)
		if err != nil {
			return inv, err
		}
		desc := firstNonEmpty(l.Name, l.Desc)
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			Description: desc,
			Quantity:    strings.TrimSpace(l.Quantity),
			Amount:      amount,
		})
		if desc != "" {
			names = append(names, desc)
		}
	}
	inv.Description = firstNonEmpty(strings.Join(names, "; "), doc.Note)
	if inv.InvoiceID == "" {
		return inv, errors.New("invoice has no ID")
	}
	return inv, nil
}

func firstAmount(candidates ...ublAmount) (int64, error) {
	for _, c := range candidates {
		if strings.TrimSpace(c.Value) != "" {
			return minorUnits(c.Value)
		}
	}
	return 0, nil
}

// minorUnits converts a decimal amount such as "1250.50" to øre, rounding
// half away from zero.
func minorUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, big.NewRat(100, 1))
	num, den := r.Num(), r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	// Round half away from zero.
	if new(big.Int).Mul(new(big.Int).Abs(m), big.NewInt(2)).Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return q.Int64(), nil
}

// normalizeOrgNumber strips the "NO" prefix and "MVA" suffix Norwegian VAT
// registrations carry, so the same supplier maps to one vendor id.
func normalizeOrgNumber(id string) string {
	id = strings.ToUpper(strings.Join(strings.Fields(id), ""))
	id = strings.TrimPrefix(id, "NO")
	id = strings.TrimSuffix(id, "MVA")
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package ledger

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const defaultURLLabel = "SolaPay Checkout"

// TransferRequest describes a Solana Pay transfer request link.
type TransferRequest struct {
	ExternalID string
	Amount     decimal.Decimal
	Label      string
	Message    string
}

// TransferURL encodes a solana: transfer request paying the configured payee
// in the configured mint. The reference is derived from ExternalID so a
// wallet-submitted transfer carries the same correlation tag as one built by
// the Builder.
func (s Settings) TransferURL(req TransferRequest) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	label := req.Label
	if label == "" {
		label = defaultURLLabel
	}
	message := req.Message
	if message == "" {
		message = "Payment " + req.ExternalID
	}

	var b strings.Builder
	b.WriteString("solana:")
	b.WriteString(s.Payee.String())
	b.WriteString("?amount=")
	b.WriteString(req.Amount.Truncate(int32(s.Decimals)).String())
	b.WriteString("&spl-token=")
	b.WriteString(s.Mint.String())
	b.WriteString("&reference=")
	b.WriteString(Reference(req.ExternalID).String())
	b.WriteString("&label=")
	b.WriteString(escapeComponent(label))
	b.WriteString("&message=")
	b.WriteString(escapeComponent(message))

	return b.String(), nil
}

// escapeComponent percent-encodes like a URI component, spaces as %20.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

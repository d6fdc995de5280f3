package payment

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

var (
	upperBase36 = []rune("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	lowerBase36 = []rune("0123456789abcdefghijklmnopqrstuvwxyz")
)

// NewExternalID returns a public payment id such as sp_1718000000000_k3x9qa.
func NewExternalID(now time.Time) string {
	return fmt.Sprintf("sp_%d_%s", now.UnixMilli(), lo.RandomString(6, lowerBase36))
}

// NewInvoiceNumber returns an invoice number such as INV-20240610-7QX2B,
// dated in UTC.
func NewInvoiceNumber(now time.Time) string {
	return fmt.Sprintf("INV-%s-%s", now.UTC().Format("20060102"), lo.RandomString(5, upperBase36))
}

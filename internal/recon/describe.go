package recon

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CurrencyResolver looks up the display symbol for a currency code. It is a
// read-only collaborator used for activity descriptions only, never for
// arithmetic.
type CurrencyResolver interface {
	Symbol(ctx context.Context, tenantID int64, code string) string
}

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders a money value for activity descriptions, e.g.
// "$1,250.00" or "1,250.00 EUR" when no symbol is known.
func (s *Service) formatAmount(ctx context.Context, tenantID int64, currency string, amount decimal.Decimal) string {
	formatted := amountPrinter.Sprintf("%.2f", amount.InexactFloat64())
	if s.currencies != nil {
		if sym := s.currencies.Symbol(ctx, tenantID, currency); sym != "" {
			return sym + formatted
		}
	}
	if currency == "" {
		return formatted
	}
	return formatted + " " + currency
}

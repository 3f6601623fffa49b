package deposit

import (
	"fmt"
	"strings"

	"github.com/netpass/coinwallet/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeFor computes the method fee in whole coins: a percentage cut rounded
// half-up plus a fixed component. Percent math runs through decimals so a
// rate like "1.5" never picks up float drift.
func FeeFor(m *domain.DepositMethod, amount int64) (int64, error) {
	pct, err := decimal.NewFromString(m.FeePercent)
	if err != nil {
		return 0, fmt.Errorf("bad fee percent %q: %w", m.FeePercent, err)
	}
	if pct.IsNegative() {
		return 0, fmt.Errorf("negative fee percent %q", m.FeePercent)
	}
	cut := decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0)
	return cut.IntPart() + m.FeeFixed, nil
}

// Descriptor renders the opaque payment target the user must pay against:
// method tag, destination, amount and a short reference the reviewer can
// match on a bank statement.
func Descriptor(m *domain.DepositMethod, amount int64, intentID string) string {
	ref := intentID
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s|%s|%d|%s", strings.ToUpper(m.ID), m.Destination, amount, strings.ToUpper(ref))
}

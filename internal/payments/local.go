// Package payments implements the external verifier and processor the
// settlement pipeline calls.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
	"github.com/b0ase/path402/apps/hashdash/internal/wallet"
)

// ErrDeclined marks an explicit refusal, as opposed to a transport error.
var ErrDeclined = errors.New("declined")

// LocalVerifier approves withdrawals to a well-formed address within the
// configured bounds. A zero bound is not enforced.
type LocalVerifier struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (v LocalVerifier) Verify(ctx context.Context, req settlement.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := wallet.ValidateAddress(req.Address); err != nil {
		return fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	if v.Min.IsPositive() && req.Amount.LessThan(v.Min) {
		return fmt.Errorf("%w: amount %s below minimum %s", ErrDeclined, req.Amount, v.Min)
	}
	if v.Max.IsPositive() && req.Amount.GreaterThan(v.Max) {
		return fmt.Errorf("%w: amount %s above maximum %s", ErrDeclined, req.Amount, v.Max)
	}
	return nil
}

package payments

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
	"github.com/b0ase/path402/apps/hashdash/internal/wallet"
)

// WalletProcessor "executes" a withdrawal by signing it with the operator
// key. The signature is the receipt.
type WalletProcessor struct {
	wallet *wallet.Wallet
	logger *zap.Logger
}

func NewWalletProcessor(logger *zap.Logger, w *wallet.Wallet) *WalletProcessor {
	return &WalletProcessor{wallet: w, logger: logger.Named("processor")}
}

// WithdrawalMessage is the payload signed for a processed withdrawal.
func WithdrawalMessage(req settlement.Request) string {
	return fmt.Sprintf("hashdash:withdraw:%s:%s:%s", req.TxID, req.Amount.String(), req.Address)
}

// VoidMessage is the payload signed when a withdrawal is compensated.
func VoidMessage(req settlement.Request, reason string) string {
	return fmt.Sprintf("hashdash:void:%s:%s", req.TxID, reason)
}

func (p *WalletProcessor) Process(ctx context.Context, req settlement.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sig, err := p.wallet.SignMessage(WithdrawalMessage(req))
	if err != nil {
		return "", fmt.Errorf("sign withdrawal: %w", err)
	}
	p.logger.Info("Withdrawal signed", zap.String("txid", req.TxID), zap.String("from", p.wallet.Address))
	return sig, nil
}

// Compensate signs a void record for req.
func (p *WalletProcessor) Compensate(ctx context.Context, req settlement.Request, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, err := p.wallet.SignMessage(VoidMessage(req, reason))
	if err != nil {
		return fmt.Errorf("sign void: %w", err)
	}
	p.logger.Info("Withdrawal voided",
		zap.String("txid", req.TxID),
		zap.String("reason", reason),
		zap.String("signature", sig))
	return nil
}

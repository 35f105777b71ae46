package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/config"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/httpclient"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PayoutProvider implements settlement.PayoutExecutor against the payout
// service. Every call carries an idempotency key derived from the user and
// operation, so a replayed request is answered with already_processed
// instead of a second credit.
type PayoutProvider struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// NewPayoutProvider creates a payout provider from configuration.
func NewPayoutProvider(cfg *config.Config, logger zerolog.Logger) *PayoutProvider {
	timeout := cfg.ExternalServices.PayoutService.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PayoutProvider{
		client: httpclient.New(httpclient.Config{
			BaseURL:    cfg.ExternalServices.PayoutService.BaseURL,
			Timeout:    timeout,
			Logger:     logger,
			MaxRetries: 2,
		}),
		logger: logger.With().Str("component", "payout_provider").Logger(),
	}
}

type payoutResponse struct {
	Success    bool    `json:"success"`
	NewBalance float64 `json:"new_balance"`
	Error      string  `json:"error"`
	ErrorCode  string  `json:"error_code"`
}

// CreditBalance adds amount to the user's site balance and returns the new
// balance. An already_processed answer surfaces as ErrAlreadyProcessed so
// the caller can treat the credit as done. The idempotency key is built
// from payoutRef, never the amount: two wins of equal size must not
// collide into one credit.
func (p *PayoutProvider) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal, scope, payoutRef string) (decimal.Decimal, error) {
	body := map[string]interface{}{
		"user_id": userID,
		"scope":   scope,
		"amount":  amount.InexactFloat64(),
	}
	headers := map[string]string{
		"Idempotency-Key": fmt.Sprintf("credit:%s:%s:%s", scope, userID, payoutRef),
	}

	natural, err := p.post(ctx, "/payout/credit", body, headers)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(natural.NewBalance), nil
}

// TransferAsset moves the on-chain asset to the user's wallet.
func (p *PayoutProvider) TransferAsset(ctx context.Context, userID, assetRef, scope, payoutRef string) error {
	body := map[string]interface{}{
		"user_id":   userID,
		"scope":     scope,
		"asset_ref": assetRef,
	}
	headers := map[string]string{
		"Idempotency-Key": fmt.Sprintf("transfer:%s:%s:%s", scope, userID, payoutRef),
	}

	_, err := p.post(ctx, "/payout/transfer", body, headers)
	return err
}

func (p *PayoutProvider) post(ctx context.Context, path string, body interface{}, headers map[string]string) (*payoutResponse, error) {
	resp, err := p.client.Post(ctx, path, body, headers)
	if err != nil {
		return nil, fmt.Errorf("payout service unreachable: %w", err)
	}

	var out payoutResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("failed to decode payout response: %w", err)
		}
	}

	if resp.StatusCode == http.StatusConflict || out.ErrorCode == "already_processed" {
		return nil, settlement.ErrAlreadyProcessed
	}
	if resp.StatusCode >= 400 || !out.Success {
		p.logger.Error().
			Int("status", resp.StatusCode).
			Str("error", out.Error).
			Str("path", path).
			Msg("Payout request rejected")
		return nil, fmt.Errorf("payout failed with status %d: %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}

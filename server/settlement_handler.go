package server

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/auth"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/errors"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SettlementHandler bridges the settlement service to HTTP routes.
type SettlementHandler struct {
	app    *App
	logger zerolog.Logger
}

// NewSettlementHandler creates a settlement handler.
func NewSettlementHandler(app *App) *SettlementHandler {
	return &SettlementHandler{
		app:    app,
		logger: app.logger.With().Str("handler", "settlement").Logger(),
	}
}

// WinnerPayload describes the winner of a settled pool.
type WinnerPayload struct {
	UserID      string           `json:"userId"`
	PoolID      string           `json:"poolId"`
	PoolName    string           `json:"poolName"`
	PrizeType   string           `json:"prizeType"`
	PrizeAmount *decimal.Decimal `json:"prizeAmount,omitempty"`
	NftMint     string           `json:"nftMint,omitempty"`
}

// SettleResponse is the response body of the settle endpoint.
type SettleResponse struct {
	Success        bool           `json:"success"`
	AlreadySettled bool           `json:"alreadySettled,omitempty"`
	NoWinner       bool           `json:"noWinner,omitempty"`
	NotYetDue      bool           `json:"notYetDue,omitempty"`
	ExpiryTime     *time.Time     `json:"expiryTime,omitempty"`
	Winner         *WinnerPayload `json:"winner,omitempty"`
}

// ClaimRequest is the optional request body of the claim endpoints.
type ClaimRequest struct {
	PoolID string `json:"poolId"`
}

// ClaimResponse is the response body of the claim endpoints.
type ClaimResponse struct {
	Success        bool             `json:"success"`
	AlreadyClaimed bool             `json:"alreadyClaimed,omitempty"`
	RewardAmount   *decimal.Decimal `json:"rewardAmount,omitempty"`
	NewBalance     *decimal.Decimal `json:"newBalance,omitempty"`
	NftMint        string           `json:"nftMint,omitempty"`
}

// Settle godoc
// @Summary Settle an expired pool
// @Description Selects a winner for an expired pool. Idempotent: repeated calls report the recorded outcome.
// @Tags pools
// @Produce json
// @Param pool_id path string true "Pool ID"
// @Success 200 {object} SettleResponse
// @Router /api/pools/{pool_id}/settle [post]
func (h *SettlementHandler) Settle(c *gin.Context) {
	poolID := c.Param("pool_id")
	scope := GetScope(c)

	outcome, err := h.app.settlementService.Settle(c.Request.Context(), poolID, scope)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSettleResponse(outcome))
}

// newSettleResponse maps a settlement outcome onto the public response
// shape. Every outcome is informational, including a pool that is not
// yet due; pollers retry on the discriminators, not on HTTP errors.
func newSettleResponse(outcome *settlement.Outcome) SettleResponse {
	resp := SettleResponse{Success: true}
	switch outcome.Status {
	case settlement.StatusSettled:
		resp.Winner = winnerPayload(outcome)
	case settlement.StatusAlreadySettled:
		resp.AlreadySettled = true
		resp.Winner = winnerPayload(outcome)
	case settlement.StatusAlreadySettledNoWinner:
		resp.AlreadySettled = true
		resp.NoWinner = true
	case settlement.StatusNoContributions:
		resp.NoWinner = true
	case settlement.StatusNotYetDue:
		resp.NotYetDue = true
		expiry := outcome.ExpiryTime
		resp.ExpiryTime = &expiry
	}
	return resp
}

// Status godoc
// @Summary Pool status
// @Description Returns the current pool status, personalized when a JWT is present.
// @Tags pools
// @Produce json
// @Param pool_id path string true "Pool ID"
// @Success 200 {object} settlement.PoolStatus
// @Router /api/pools/{pool_id}/status [get]
func (h *SettlementHandler) Status(c *gin.Context) {
	poolID := c.Param("pool_id")
	scope := GetScope(c)
	requesterID, _ := auth.GetUserID(c)

	status, err := h.app.settlementService.Status(c.Request.Context(), poolID, requesterID, scope)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// List godoc
// @Summary List pools
// @Description Returns all pools in the requester's scope, ordered by expiry.
// @Tags pools
// @Produce json
// @Success 200 {array} settlement.PoolSummary
// @Router /api/pools [get]
func (h *SettlementHandler) List(c *gin.Context) {
	scope := GetScope(c)

	pools, err := h.app.settlementService.ListPools(c.Request.Context(), scope)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

// Claim godoc
// @Summary Claim a reward
// @Description Claims a materialized reward. Idempotent: a second claim reports alreadyClaimed.
// @Tags rewards
// @Produce json
// @Param reward_id path string true "Reward ID"
// @Success 200 {object} ClaimResponse
// @Router /api/rewards/{reward_id}/claim [post]
func (h *SettlementHandler) Claim(c *gin.Context) {
	rewardID := c.Param("reward_id")
	scope := GetScope(c)

	claimantID, ok := auth.GetUserID(c)
	if !ok {
		ErrorWithMessage(c, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ClaimRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	h.doClaim(c, rewardID, claimantID, req.PoolID, scope)
}

// ClaimPoolPrize godoc
// @Summary Claim an item prize by pool
// @Description Claims the winner's item prize of a settled pool. The reward row is created lazily on first claim.
// @Tags pools
// @Produce json
// @Param pool_id path string true "Pool ID"
// @Success 200 {object} ClaimResponse
// @Router /api/pools/{pool_id}/claim [post]
func (h *SettlementHandler) ClaimPoolPrize(c *gin.Context) {
	poolID := c.Param("pool_id")
	scope := GetScope(c)

	claimantID, ok := auth.GetUserID(c)
	if !ok {
		ErrorWithMessage(c, http.StatusUnauthorized, "authentication required")
		return
	}

	h.doClaim(c, "", claimantID, poolID, scope)
}

func (h *SettlementHandler) doClaim(c *gin.Context, rewardID, claimantID, poolID, scope string) {
	result, err := h.app.settlementService.Claim(c.Request.Context(), rewardID, claimantID, poolID, scope)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := ClaimResponse{
		Success: true,
		NftMint: result.AssetRef,
	}
	if result.Status == settlement.ClaimStatusAlreadyClaimed {
		resp.AlreadyClaimed = true
	}
	if result.AssetRef == "" {
		amount := result.Amount
		resp.RewardAmount = &amount
		if result.Status == settlement.ClaimStatusClaimed {
			balance := result.NewBalance
			resp.NewBalance = &balance
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleError maps settlement sentinels to the API error taxonomy.
func (h *SettlementHandler) handleError(c *gin.Context, err error) {
	switch {
	case stderrors.Is(err, settlement.ErrPoolNotFound):
		HandleAppError(c, errors.New(errors.ErrPoolNotFound, "pool not found"))
	case stderrors.Is(err, settlement.ErrRewardNotFound):
		HandleAppError(c, errors.New(errors.ErrRewardNotFound, "reward not found"))
	case stderrors.Is(err, settlement.ErrNotOwner):
		HandleAppError(c, errors.New(errors.ErrNotOwner, "reward does not belong to you"))
	default:
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Settlement operation failed")
		HandleAppError(c, errors.Wrap(err, errors.ErrSettlementError, "settlement operation failed"))
	}
}

func winnerPayload(outcome *settlement.Outcome) *WinnerPayload {
	if !outcome.HasWinner() {
		return nil
	}
	w := &WinnerPayload{
		UserID:    outcome.WinnerID,
		PoolID:    outcome.PoolID,
		PoolName:  outcome.PoolName,
		PrizeType: string(outcome.PrizeKind),
	}
	if outcome.PrizeKind == settlement.PrizeKindAsset {
		w.NftMint = outcome.AssetRef
	} else {
		amount := outcome.AwardedAmount
		w.PrizeAmount = &amount
	}
	return w
}

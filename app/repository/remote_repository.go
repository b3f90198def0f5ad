package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

// remoteProfileRepository reads profiles through PostgREST.
type remoteProfileRepository struct {
	client *supabase.Client
}

// NewRemoteProfileRepository creates a profile repository on the Supabase REST API.
func NewRemoteProfileRepository(client *supabase.Client) ProfileRepository {
	return &remoteProfileRepository{client: client}
}

func (r *remoteProfileRepository) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	resp, err := r.client.From("profiles").Select("*").Eq("id", id).Single().Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		if supabase.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var profile models.Profile
	if err := resp.JSON(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

func (r *remoteProfileRepository) Create(ctx context.Context, profile *models.Profile) (bool, error) {
	if err := profile.Validate(); err != nil {
		return false, err
	}
	row := map[string]interface{}{
		"id":      profile.ID,
		"email":   profile.Email,
		"credits": profile.Credits,
	}
	if profile.Country != "" {
		row["country"] = profile.Country
	}
	resp, err := r.client.From("profiles").OnConflict("id").IgnoreDuplicates().ExecuteInsert(ctx, row)
	if err != nil {
		return false, err
	}
	if err := resp.Error(); err != nil {
		return false, err
	}
	var rows []models.Profile
	if err := resp.JSON(&rows); err != nil {
		return false, fmt.Errorf("decode profile: %w", err)
	}
	return len(rows) > 0, nil
}

// remoteLedgerRepository calls the balance procedures through /rest/v1/rpc.
type remoteLedgerRepository struct {
	client *supabase.Client
}

// NewRemoteLedgerRepository creates a ledger repository on the Supabase RPC API.
func NewRemoteLedgerRepository(client *supabase.Client) LedgerRepository {
	return &remoteLedgerRepository{client: client}
}

func (r *remoteLedgerRepository) call(ctx context.Context, fn string, params map[string]interface{}) (*supabase.Response, error) {
	resp, err := r.client.RPC(ctx, fn, params)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) {
			if mapped := translateLedgerError(errors.New(apiErr.Message)); errors.Is(mapped, ErrInsufficientCredits) || errors.Is(mapped, ErrInvalidGiftCode) {
				return nil, mapped
			}
		}
		return nil, err
	}
	return resp, nil
}

func (r *remoteLedgerRepository) DeductCredits(ctx context.Context, userID string, amount int, description string) (string, error) {
	resp, err := r.call(ctx, "deduct_credits", map[string]interface{}{
		"p_user":        userID,
		"p_amount":      amount,
		"p_description": description,
	})
	if err != nil {
		return "", err
	}
	return resp.Scalar(), nil
}

func (r *remoteLedgerRepository) RefundCredits(ctx context.Context, userID string, amount int, description, logID string) error {
	params := map[string]interface{}{
		"p_user":        userID,
		"p_amount":      amount,
		"p_description": description,
		"p_log_id":      nil,
	}
	if logID != "" {
		params["p_log_id"] = logID
	}
	_, err := r.call(ctx, "refund_credits", params)
	return err
}

func (r *remoteLedgerRepository) RedeemGiftCode(ctx context.Context, userID, code string) (int, error) {
	resp, err := r.call(ctx, "redeem_giftcode", map[string]interface{}{
		"p_user": userID,
		"p_code": code,
	})
	if err != nil {
		return 0, err
	}
	credits, err := strconv.Atoi(strings.TrimSpace(resp.Scalar()))
	if err != nil {
		return 0, fmt.Errorf("decode redeem_giftcode result: %w", err)
	}
	return credits, nil
}

func (r *remoteLedgerRepository) CompleteTransaction(ctx context.Context, transactionID string) (bool, error) {
	resp, err := r.call(ctx, "complete_transaction", map[string]interface{}{
		"p_tx": transactionID,
	})
	if err != nil {
		return false, err
	}
	return resp.Scalar() == "true", nil
}

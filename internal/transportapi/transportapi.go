// Package transportapi serves device credential lookups over the queue RPC layer.
package transportapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_queue/internal/rpc"
)

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

type ValidateTokenResponse struct {
	Valid      bool   `json:"valid"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// Querier is the subset of pgxpool.Pool used for lookups
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Validator resolves access tokens to devices.
type Validator struct {
	db Querier
}

func NewValidator(db Querier) *Validator {
	return &Validator{db: db}
}

// Handle answers unknown tokens with Valid=false; only lookup failures are errors.
func (v *Validator) Handle(ctx context.Context, req ValidateTokenRequest) (ValidateTokenResponse, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return ValidateTokenResponse{}, nil
	}
	var resp ValidateTokenResponse
	err := v.db.QueryRow(ctx, `
		SELECT d.id::text, d.name, d.tenant_id::text
		FROM device_credentials c
		JOIN device d ON d.id = c.device_id
		WHERE c.credentials_id = $1
	`, token).Scan(&resp.DeviceID, &resp.DeviceName, &resp.TenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ValidateTokenResponse{}, nil
	}
	if err != nil {
		return ValidateTokenResponse{}, fmt.Errorf("lookup device credentials: %w", err)
	}
	resp.Valid = true
	return resp, nil
}

// Client validates tokens through a dispatcher.
type Client struct {
	dispatcher *rpc.Dispatcher[ValidateTokenRequest, ValidateTokenResponse]
}

func NewClient(d *rpc.Dispatcher[ValidateTokenRequest, ValidateTokenResponse]) *Client {
	return &Client{dispatcher: d}
}

// ValidateToken waits for the response; timeout <= 0 uses the dispatcher maximum
func (c *Client) ValidateToken(ctx context.Context, token string, timeout time.Duration) (ValidateTokenResponse, error) {
	return c.dispatcher.SendRequestWithTimeout(ctx, ValidateTokenRequest{Token: token}, timeout).Get(ctx)
}

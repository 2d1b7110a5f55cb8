// Package identity talks to the OTP verification endpoint. One endpoint
// serves both calls; the request shape selects the operation.
package identity

import (
	"context"
	"strings"

	"github.com/pitabwire/droponboard/internal/backend"
	"github.com/pitabwire/droponboard/model"
)

type otpRequest struct {
	Identifier string `json:"identifier"`
	SendOTP    bool   `json:"send_otp"`
}

type otpVerification struct {
	Identifier string `json:"identifier"`
	OTP        string `json:"otp"`
	VerifyOTP  bool   `json:"verify_otp"`
}

// Client implements the send_otp and verify_otp step actions.
type Client struct {
	backend *backend.Client
}

// NewClient creates an identity client over a backend client bound to the
// identity endpoint.
func NewClient(b *backend.Client) *Client {
	return &Client{backend: b}
}

// RequestOTP asks the backend to send a one-time password to identifier.
// success:false is returned as SUBMISSION_REJECTED with the backend message.
func (c *Client) RequestOTP(ctx context.Context, identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.NewBadRequestError("an identifier is required to send a one-time password")
	}
	_, err := c.backend.PostJSON(ctx, otpRequest{Identifier: identifier, SendOTP: true})
	return err
}

// VerifyOTP checks otp for identifier. On success it returns the identity
// payload from the response's data object.
func (c *Client) VerifyOTP(ctx context.Context, identifier, otp string) (map[string]any, error) {
	identifier = strings.TrimSpace(identifier)
	otp = strings.TrimSpace(otp)
	if identifier == "" || otp == "" {
		return nil, model.NewBadRequestError("an identifier and a one-time password are required")
	}

	resp, err := c.backend.PostJSON(ctx, otpVerification{
		Identifier: identifier,
		OTP:        otp,
		VerifyOTP:  true,
	})
	if err != nil {
		return nil, err
	}
	return resp.DataMap(), nil
}

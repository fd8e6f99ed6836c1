// internal/identity/client.go
// Package identity provides a client for the NHS Notify client configuration
// service. It resolves the acting user's client membership, campaign and
// proofing entitlement, which the template store needs before it can scope a
// request to an owner.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client for interacting with the client configuration service.
type Client struct {
	base string       // Base URL of the client configuration service
	hc   *http.Client // HTTP client with custom configuration
}

// Membership describes the client context a user acts within.
type Membership struct {
	ClientID        string `json:"clientId"`        // Client the user belongs to
	CampaignID      string `json:"campaignId"`      // Default campaign for letter templates
	ProofingEnabled bool   `json:"proofingEnabled"` // Whether the client may request proofs
}

// ErrNotFound is returned when a user has no client membership.
var ErrNotFound = errors.New("client membership not found")

// New creates a new identity client with the specified base URL.
// It configures appropriate timeouts for configuration service requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// GetMembership resolves the client membership for an internal user id.
// Returns ErrNotFound when the user belongs to no client.
func (c *Client) GetMembership(ctx context.Context, internalUserID string) (Membership, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Membership{}, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = "/v1/users/" + url.PathEscape(internalUserID) + "/client"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return Membership{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Membership{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var m Membership
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return Membership{}, err
		}
		return m, nil
	case http.StatusNotFound:
		return Membership{}, ErrNotFound
	default:
		return Membership{}, fmt.Errorf("client membership lookup failed: %s", resp.Status)
	}
}

package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultPDS = "https://bsky.social"

// ErrNotAuthenticated is returned by calls that need a session before Login
// has succeeded.
var ErrNotAuthenticated = errors.New("not authenticated: call Login first")

// Client is a minimal AT Protocol XRPC client for writing records to the
// authenticated account's repository.
type Client struct {
	pds        string
	httpClient *http.Client

	// populated after Login
	accessJwt string
	did       string
	handle    string
}

// NewClient creates a new XRPC client. If pds is empty, it defaults to
// https://bsky.social.
func NewClient(pds string) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	return &Client{
		pds: strings.TrimSuffix(pds, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.post(ctx, "/xrpc/com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.handle = resp.Handle
	return nil
}

// DID returns the authenticated account's DID. Only valid after Login.
func (c *Client) DID() string {
	return c.did
}

// Handle returns the authenticated account's handle. Only valid after Login.
func (c *Client) Handle() string {
	return c.handle
}

// CreateRecord writes record to collection in the authenticated account's
// repository via com.atproto.repo.createRecord and returns its URI and CID.
func (c *Client) CreateRecord(ctx context.Context, collection string, record any) (uri, cid string, err error) {
	if c.accessJwt == "" {
		return "", "", ErrNotAuthenticated
	}

	body := createRecordRequest{
		Repo:       c.did,
		Collection: collection,
		Record:     record,
	}

	var resp createRecordResponse
	if err := c.post(ctx, "/xrpc/com.atproto.repo.createRecord", body, &resp); err != nil {
		return "", "", fmt.Errorf("create record: %w", err)
	}
	return resp.URI, resp.CID, nil
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	Status  int
	Name    string
	Message string
}

// Error formats the XRPC error name and message with the HTTP status.
func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Name, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pds+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessJwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var xrpc struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &xrpc) == nil && xrpc.Error != "" {
			apiErr.Name, apiErr.Message = xrpc.Error, xrpc.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

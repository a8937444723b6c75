package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/caredial/securecall/internal/domain"
)

const ticketPath = "/v1/video-sessions/ticket"

type ticketRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Client    string `json:"client"`
	Version   string `json:"version"`
}

type ticketResponse struct {
	Result int           `json:"result"`
	Msg    string        `json:"msg"`
	Data   domain.Ticket `json:"data"`
}

// Client fetches session tickets from the CareDial API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchTicket obtains the room identity, signaling credentials and ICE
// servers for an authorized video session.
func (c *Client) FetchTicket(token, sessionID string) (*domain.Ticket, error) {
	req := ticketRequest{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Client:    "securecall",
		Version:   "1.2.0",
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket request: %w", err)
	}

	httpReq, err := http.NewRequest("POST", c.base+ticketPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var ticketResp ticketResponse
	if err := json.Unmarshal(respBody, &ticketResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if ticketResp.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", ticketResp.Result, ticketResp.Msg)
	}

	return &ticketResp.Data, nil
}

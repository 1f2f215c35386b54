package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"time"
)

// PingPayload is the anonymous usage ping sent at daemon startup.
type PingPayload struct {
	InstallID    string `json:"install_id"`
	RelayVersion string `json:"relay_version"`
	Platform     string `json:"platform"`
	LedgerType   string `json:"ledger_type"`
}

// PingResponse carries the server's acknowledgment, including an optional
// version update notice.
type PingResponse struct {
	LatestVersion   string `json:"latest_version,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
	UpdateURL       string `json:"update_url,omitempty"`
	UpdateMessage   string `json:"update_message,omitempty"`
	SecurityUpdate  bool   `json:"security_update,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Client sends anonymous telemetry pings and receives update notices.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a new telemetry client.
func NewClient(baseURL string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[telemetry] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendPing posts the payload and logs any update notice from the server.
func (c *Client) SendPing(ctx context.Context, payload PingPayload) (*PingResponse, error) {
	if payload.Platform == "" {
		payload.Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.baseURL + "/api/v1/relay/ping"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("Chat-Relay/%s", payload.RelayVersion))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var pingResp PingResponse
	if err := json.Unmarshal(bodyBytes, &pingResp); err != nil {
		// An unparseable body still counts as a successful ping
		c.logger.Printf("warning: failed to parse ping response: %v", err)
		return &PingResponse{Message: "ping successful"}, nil
	}

	if pingResp.UpdateAvailable {
		kind := "update"
		if pingResp.SecurityUpdate {
			kind = "SECURITY update"
		}
		c.logger.Printf("%s available: %s -> %s", kind, payload.RelayVersion, pingResp.LatestVersion)
		if pingResp.UpdateMessage != "" {
			c.logger.Printf("   %s", pingResp.UpdateMessage)
		}
		if pingResp.UpdateURL != "" {
			c.logger.Printf("   Download: %s", pingResp.UpdateURL)
		}
	}

	c.logger.Printf("ping successful (status=%d)", resp.StatusCode)
	return &pingResp, nil
}

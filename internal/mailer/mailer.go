package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/habitrace/server/internal/config"
)

// Client sends transactional email through an HTTP API (Brevo-shaped:
// JSON body, api-key header).
type Client struct {
	config *config.MailerConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a new mailer client
func NewClient(cfg *config.MailerConfig, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type sendRequest struct {
	Sender      address   `json:"sender"`
	To          []address `json:"to"`
	Subject     string    `json:"subject"`
	TextContent string    `json:"textContent"`
}

// Send delivers the welcome email to a new racer
func (c *Client) Send(ctx context.Context, email, username string) error {
	body := sendRequest{
		Sender:      address{Name: c.config.SenderName, Email: c.config.SenderEmail},
		To:          []address{{Name: username, Email: email}},
		Subject:     "WELCOME TO HABITRACE",
		TextContent: "invitation to start racing",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email api returned %d: %s", resp.StatusCode, detail)
	}

	c.logger.Debug("email accepted", "email", email, "status", resp.StatusCode)
	return nil
}

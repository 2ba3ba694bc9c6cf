package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

const (
	graphBaseURL     = "https://graph.microsoft.com/v1.0"
	graphScope       = "https://graph.microsoft.com/.default"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	maxRetries       = 3
	initialRetryWait = 1 * time.Second
	maxRetryWait     = 30 * time.Second

	httpTimeout = 30 * time.Second
)

var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// validateCredentials checks the credential fields. In strict mode the
// tenant and client IDs must also be GUIDs.
func validateCredentials(cfg *types.GraphConfig, strict bool) error {
	switch {
	case cfg.TenantID == "":
		return fmt.Errorf("tenant ID is required")
	case strict && !guidPattern.MatchString(cfg.TenantID):
		return fmt.Errorf("tenant ID must be a valid GUID")
	case cfg.ClientID == "":
		return fmt.Errorf("client ID is required")
	case strict && !guidPattern.MatchString(cfg.ClientID):
		return fmt.Errorf("client ID must be a valid GUID")
	case cfg.ClientSecret == "":
		return fmt.Errorf("client secret is required")
	}
	return nil
}

// GraphClient sends mail through the Microsoft Graph API using an app-only
// client credentials token.
type GraphClient struct {
	fromAddress string
	httpClient  *http.Client
}

// NewGraphClient creates a new email client.
func NewGraphClient(cfg *types.GraphConfig) (*GraphClient, error) {
	if err := validateCredentials(cfg, false); err != nil {
		return nil, err
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("from address (shared mailbox) is required")
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLTemplate, cfg.TenantID),
		Scopes:       []string{graphScope},
	}

	// Token requests inherit the timeout from this client.
	base := &http.Client{Timeout: httpTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &GraphClient{
		fromAddress: cfg.FromAddress,
		httpClient:  conf.Client(ctx),
	}, nil
}

type graphMailRequest struct {
	Message graphMessage `json:"message"`
}

type graphMessage struct {
	Subject      string           `json:"subject"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// SendMail sends a plain text message to recipients.
func (c *GraphClient) SendMail(ctx context.Context, recipients []string, subject, body string) error {
	msg := graphMessage{
		Subject: subject,
		Body:    graphBody{ContentType: "Text", Content: body},
	}
	for _, addr := range recipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			var r graphRecipient
			r.EmailAddress.Address = addr
			msg.ToRecipients = append(msg.ToRecipients, r)
		}
	}
	if len(msg.ToRecipients) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	jsonData, err := json.Marshal(graphMailRequest{Message: msg})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doWithRetry(ctx, jsonData)
}

// doWithRetry posts the message, retrying throttling and transient server errors.
func (c *GraphClient) doWithRetry(ctx context.Context, jsonData []byte) error {
	apiURL := fmt.Sprintf("%s/users/%s/sendMail", graphBaseURL, url.PathEscape(c.fromAddress))
	retry := util.Retry{Initial: initialRetryWait, Max: maxRetryWait}

	var lastErr error
	wait := time.Duration(0)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait = max(wait, retry.Delay(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = 0
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send request: %w", err)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusOK, http.StatusNoContent:
			return nil
		case http.StatusTooManyRequests:
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
				wait = time.Duration(seconds) * time.Second
			}
			lastErr = fmt.Errorf("graph API rate limited (429): %s", respBody)
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("graph API returned %d: %s", resp.StatusCode, respBody)
		default:
			return fmt.Errorf("graph API error %d: %s", resp.StatusCode, respBody)
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ValidateAuth acquires a token and checks that the sender mailbox exists.
// A 403 still proves the token is valid for Mail.Send-only registrations.
func (c *GraphClient) ValidateAuth(ctx context.Context) error {
	apiURL := fmt.Sprintf("%s/users/%s", graphBaseURL, url.PathEscape(c.fromAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create validation request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("mailbox %s not found", c.fromAddress)
	case http.StatusUnauthorized:
		return fmt.Errorf("invalid credentials")
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("validation failed with status %d: %s", resp.StatusCode, body)
	}
}

// ValidateConfig validates that cfg has all required fields.
func ValidateConfig(cfg *types.GraphConfig) error {
	if err := validateCredentials(cfg, true); err != nil {
		return err
	}
	if cfg.FromAddress == "" {
		return fmt.Errorf("from address (shared mailbox) is required")
	}
	if cfg.Recipients == "" {
		return fmt.Errorf("recipients are required")
	}
	return nil
}

// IsConfigured reports whether the Graph configuration has the minimum required fields.
func IsConfigured(cfg *types.GraphConfig) bool {
	return util.IsConfigured(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.FromAddress, cfg.Recipients)
}

// ParseRecipients splits a comma-separated recipients string into a slice.
func ParseRecipients(recipients string) []string {
	var result []string
	for r := range strings.SplitSeq(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}

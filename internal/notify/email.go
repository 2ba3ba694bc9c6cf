package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// sendAlertEmail mails an alert through client.
func sendAlertEmail(ctx context.Context, client *GraphClient, recipients string, a *Alert) error {
	to := ParseRecipients(recipients)
	if len(to) == 0 {
		return fmt.Errorf("no valid recipients")
	}
	if err := client.SendMail(ctx, to, a.Subject(), a.Body()); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test email from the loudness meter.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		humanTime(time.Now()),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}

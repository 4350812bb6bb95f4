package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

const sendTimeout = 30 * time.Second

// GmailNotifier sends alert email through the Gmail API. The rig runs
// headless, so there is no interactive consent flow: mint a refresh token
// once with the send-only scope and put it in the config.
type GmailNotifier struct {
	svc    *gmail.Service
	from   string
	to     string
	logger *zap.Logger
}

// NewGmailNotifier builds the OAuth2 client and Gmail service.
func NewGmailNotifier(ctx context.Context, cfg config.NotifyConfig) (*GmailNotifier, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("gmail OAuth2 client_id/client_secret are required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gmail refresh_token is required")
	}
	if cfg.ToEmail == "" {
		return nil, fmt.Errorf("notification to_email is required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope}, // send-only
	}

	// The client refreshes the access token on demand from the refresh
	// token, so a restart needs no stored state.
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := oauthCfg.Client(ctx, token)
	httpClient.Timeout = sendTimeout

	svc, err := gmail.New(httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}

	from := strings.TrimSpace(cfg.FromEmail)
	if from == "" {
		// Gmail substitutes the authenticated account.
		from = "me"
	}

	return &GmailNotifier{
		svc:    svc,
		from:   from,
		to:     cfg.ToEmail,
		logger: zap.L().Named("gmail"),
	}, nil
}

// Send delivers a plain-text message, retrying transient API failures.
func (n *GmailNotifier) Send(ctx context.Context, subject, body string) error {
	raw := n.buildMessage(subject, body)

	op := func() error { return n.sendRaw(ctx, raw) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	n.logger.Info("Notification sent",
		zap.String("to", n.to),
		zap.String("subject", subject))
	return nil
}

// Close performs cleanup (currently no-op).
func (n *GmailNotifier) Close() error { return nil }

func (n *GmailNotifier) buildMessage(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", n.to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (n *GmailNotifier) sendRaw(ctx context.Context, raw []byte) error {
	// Gmail wants base64url without padding.
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	_, err := n.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send failed: %w", err)
	}
	return nil
}

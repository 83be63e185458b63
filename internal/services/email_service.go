package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"

	pkglogger "github.com/BradenHooton/keyforge/pkg/logger"
)

// Mailer delivers account emails. Delivery mechanics are not this service's
// concern beyond handing the message to a provider.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error
	SendPasswordResetEmail(ctx context.Context, email, token string, expiresAt time.Time) error
}

type mailContent struct {
	subject string
	text    string
}

func verificationMail(baseURL, token string, expiresAt time.Time) mailContent {
	link := fmt.Sprintf("%s/verify-email?token=%s", baseURL, url.QueryEscape(token))
	return mailContent{
		subject: "Verify your email address",
		text: fmt.Sprintf(`Verify your email address

Open the link below to confirm this address for your keyforge account:

%s

The link expires at %s. If you did not create an account you can ignore this message.
`, link, expiresAt.UTC().Format(time.RFC1123)),
	}
}

func passwordResetMail(baseURL, token string, expiresAt time.Time) mailContent {
	link := fmt.Sprintf("%s/reset-password?token=%s", baseURL, url.QueryEscape(token))
	return mailContent{
		subject: "Reset your password",
		text: fmt.Sprintf(`Reset your password

Someone asked to reset the password for this keyforge account. Open the link below to choose a new one:

%s

The link can be used once and expires at %s. If you did not ask for this, no action is needed.
`, link, expiresAt.UTC().Format(time.RFC1123)),
	}
}

// SESMailer sends through AWS SES, paced to the account's send quota.
type SESMailer struct {
	client      *ses.Client
	fromAddress string
	baseURL     string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func NewSESMailer(ctx context.Context, region, fromAddress, baseURL string, sendsPerSecond float64, logger *slog.Logger) (*SESMailer, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if sendsPerSecond <= 0 {
		sendsPerSecond = 1
	}

	return &SESMailer{
		client:      ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		baseURL:     baseURL,
		limiter:     rate.NewLimiter(rate.Limit(sendsPerSecond), 1),
		logger:      logger,
	}, nil
}

func (m *SESMailer) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	return m.send(ctx, email, verificationMail(m.baseURL, token, expiresAt))
}

func (m *SESMailer) SendPasswordResetEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	return m.send(ctx, email, passwordResetMail(m.baseURL, token, expiresAt))
}

func (m *SESMailer) send(ctx context.Context, to string, content mailContent) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail send throttled: %w", err)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(m.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(content.subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(content.text)},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		m.logger.Error("failed to send email via SES",
			slog.String("email", pkglogger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.Info("email sent",
		slog.String("email", pkglogger.SanitizedEmail(to)),
		slog.String("subject", content.subject),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// LogMailer writes mail to the operational log instead of sending it. It is
// the development default; links are only logged outside production.
type LogMailer struct {
	baseURL string
	env     string
	logger  *slog.Logger
}

func NewLogMailer(baseURL, env string, logger *slog.Logger) *LogMailer {
	return &LogMailer{baseURL: baseURL, env: env, logger: logger}
}

func (m *LogMailer) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.log(ctx, email, verificationMail(m.baseURL, token, expiresAt))
	return nil
}

func (m *LogMailer) SendPasswordResetEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.log(ctx, email, passwordResetMail(m.baseURL, token, expiresAt))
	return nil
}

func (m *LogMailer) log(ctx context.Context, to string, content mailContent) {
	m.logger.InfoContext(ctx, "email not sent (log provider)",
		slog.String("email", pkglogger.SanitizedEmail(to)),
		slog.String("subject", content.subject),
		pkglogger.RedactedAttr("body", content.text, m.env),
	)
}

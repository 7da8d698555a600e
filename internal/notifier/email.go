package notifier

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/oplink/clinic-tracker/internal/config"
	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/pkg/logger"
)

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	cfg    config.SMTPConfig
	dial   func(m *gomail.Message) error
	logger *logger.Logger
}

var _ Channel = (*EmailChannel)(nil)

func NewEmailChannel(cfg config.SMTPConfig, log *logger.Logger) *EmailChannel {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	return &EmailChannel{
		cfg:    cfg,
		dial:   func(m *gomail.Message) error { return dialer.DialAndSend(m) },
		logger: log.WithFields(map[string]interface{}{"channel": model.ChannelEmail}),
	}
}

func (c *EmailChannel) Name() string {
	return model.ChannelEmail
}

func (c *EmailChannel) Send(ctx context.Context, recipient string, msg Message) Result {
	if c.cfg.User == "" || c.cfg.Password == "" {
		return Result{Success: false, ErrorMessage: "smtp credentials not configured"}
	}
	if recipient == "" {
		return Result{Success: false, ErrorMessage: "recipient email is missing"}
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", c.cfg.From, c.cfg.FromName)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTMLBody)

	// gomail's dialer has no context support; honor cancellation before the
	// blocking call at least.
	select {
	case <-ctx.Done():
		return Result{Success: false, ErrorMessage: ctx.Err().Error()}
	default:
	}

	if err := c.dial(m); err != nil {
		c.logger.Warn("email send failed", "recipient", recipient, "error", err.Error())
		return Result{Success: false, ErrorMessage: fmt.Sprintf("smtp send failed: %v", err)}
	}

	c.logger.Debug("email sent", "recipient", recipient)
	return Result{Success: true}
}

package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oplink/clinic-tracker/internal/config"
	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/pkg/logger"
)

// PushChannel delivers alerts through a LINE-style push-message provider.
// The provider's HTTP status is recorded verbatim in the audit log.
type PushChannel struct {
	cfg    config.PushConfig
	client *http.Client
	logger *logger.Logger
}

var _ Channel = (*PushChannel)(nil)

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewPushChannel(cfg config.PushConfig, log *logger.Logger) *PushChannel {
	return &PushChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: log.WithFields(map[string]interface{}{"channel": model.ChannelPush}),
	}
}

func (c *PushChannel) Name() string {
	return model.ChannelPush
}

func (c *PushChannel) Send(ctx context.Context, recipient string, msg Message) Result {
	if c.cfg.Token == "" {
		return Result{Success: false, ErrorMessage: "push provider token not configured"}
	}
	if recipient == "" {
		return Result{Success: false, ErrorMessage: "push user id is missing"}
	}

	payload, err := json.Marshal(pushRequest{
		To:       recipient,
		Messages: []pushMessage{{Type: "text", Text: msg.Text}},
	})
	if err != nil {
		return Result{Success: false, ErrorMessage: fmt.Sprintf("failed to marshal push payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProviderURL, bytes.NewReader(payload))
	if err != nil {
		return Result{Success: false, ErrorMessage: fmt.Sprintf("failed to build push request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("push send failed", "recipient", recipient, "error", err.Error())
		return Result{Success: false, ErrorMessage: fmt.Sprintf("push request failed: %v", err)}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("push provider rejected message", "recipient", recipient, "status", status)
		return Result{
			Success:      false,
			ErrorMessage: fmt.Sprintf("push provider returned %d: %s", status, string(body)),
			HTTPStatus:   &status,
		}
	}

	c.logger.Debug("push sent", "recipient", recipient)
	return Result{Success: true, HTTPStatus: &status}
}

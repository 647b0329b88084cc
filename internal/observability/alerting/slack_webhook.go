package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// slackWebhookSender 通过 incoming webhook 向 Slack 发送消息。
type slackWebhookSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackWebhookNotifier 构造基于 incoming webhook 的 Slack 通知器。
// webhookURL 为空时返回 nil，NewFanout 会忽略 nil 通知器。
func NewSlackWebhookNotifier(webhookURL, channelID string) *SlackNotifier {
	if strings.TrimSpace(webhookURL) == "" {
		return nil
	}
	if channelID == "" {
		channelID = "custody-alerts"
	}
	return &SlackNotifier{
		Sender: &slackWebhookSender{
			webhookURL: webhookURL,
			client:     &http.Client{Timeout: 10 * time.Second},
		},
		ChannelID: channelID,
	}
}

// Send 将消息投递到 webhook。
func (s *slackWebhookSender) Send(ctx context.Context, channel, content string) error {
	body, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    content,
	})
	if err != nil {
		return fmt.Errorf("编码 Slack 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("Slack webhook 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

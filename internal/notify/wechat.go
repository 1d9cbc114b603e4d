package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WeChatSink posts events to a WeChat Work group robot webhook as markdown.
type WeChatSink struct {
	webhookURL string
	http       *resty.Client
}

// NewWeChatSink creates a sink for one webhook URL.
func NewWeChatSink(webhookURL string, logger *slog.Logger) *WeChatSink {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(0) // the Notifier owns retries
	_ = logger
	return &WeChatSink{webhookURL: webhookURL, http: client}
}

func (s *WeChatSink) Name() string { return "wechat" }

type wechatMessage struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Content string `json:"content"`
	} `json:"markdown"`
}

type wechatResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s *WeChatSink) Send(ctx context.Context, e Event) error {
	var msg wechatMessage
	msg.MsgType = "markdown"
	msg.Markdown.Content = renderWeChatMarkdown(e)

	var result wechatResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&result).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("post wechat webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("wechat webhook returned %d", resp.StatusCode())
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("wechat webhook error %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

func renderWeChatMarkdown(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", e.Title)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "> %s: <font color=\"comment\">%s</font>\n", f.Key, f.Value)
	}
	fmt.Fprintf(&b, "> time: %s", e.At.Format(time.RFC3339))
	return b.String()
}

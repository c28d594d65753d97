package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/tamias-dev/tamias/internal/config"
)

// SendEmailTool sends plain-text mail through a configured account. Exposed
// as email__send.
type SendEmailTool struct {
	cfg  *config.Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSendEmailTool(cfg *config.Config) *SendEmailTool {
	return &SendEmailTool{cfg: cfg, send: smtp.SendMail}
}

func (t *SendEmailTool) Name() string { return FlatName(CategoryEmail, "send") }
func (t *SendEmailTool) Description() string {
	return "Send a plain-text email from one of the configured accounts"
}

func (t *SendEmailTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient address",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Subject line",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Plain-text message body",
			},
			"account": map[string]interface{}{
				"type":        "string",
				"description": "Which configured account to send from (default: the first enabled one)",
			},
		},
		"required": []string{"to", "subject", "body"},
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	account, _ := args["account"].(string)
	if to == "" || !strings.Contains(to, "@") {
		return ErrorResult("to must be an email address")
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return ErrorResult("to and subject must be single-line")
	}

	acct, name, err := t.resolveAccount(account)
	if err != nil {
		return ErrorResult(err.Error())
	}
	host := acct.SMTPHost
	port := acct.SMTPPort
	if port == 0 {
		port = 587
	}
	if host == "" {
		return ErrorResult(fmt.Sprintf("account %q has no smtpHost configured", name))
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", acct.Address)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", acct.Address, acct.Password(), host)
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := t.send(addr, auth, acct.Address, []string{to}, []byte(msg.String())); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err))
	}
	return NewResult(fmt.Sprintf("email sent to %s from %s", to, acct.Address))
}

func (t *SendEmailTool) resolveAccount(name string) (config.EmailConfig, string, error) {
	if name != "" {
		acct, ok := t.cfg.Emails[name]
		if !ok {
			return config.EmailConfig{}, "", fmt.Errorf("no email account %q configured", name)
		}
		if !acct.Enabled {
			return config.EmailConfig{}, "", fmt.Errorf("email account %q is disabled", name)
		}
		return acct, name, nil
	}
	for key, acct := range t.cfg.Emails {
		if acct.Enabled {
			return acct, key, nil
		}
	}
	return config.EmailConfig{}, "", fmt.Errorf("no enabled email account configured")
}

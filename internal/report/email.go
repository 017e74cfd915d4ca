package report

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"github.com/attic-io/attic/internal/pipeline"
)

// EmailConfig holds SMTP reporter configuration.
type EmailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

func NewEmail(cfg EmailConfig) (*EmailReporter, error) {
	if cfg.Host == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("email: host and recipients are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &EmailReporter{cfg: cfg}, nil
}

// EmailReporter mails run summaries over SMTP.
type EmailReporter struct {
	cfg EmailConfig
}

func (e *EmailReporter) Name() string { return "email" }

func (e *EmailReporter) Send(_ context.Context, tenant string, sum *pipeline.Summary) error {
	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", e.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] attachment %s run: %d files", tenant, sum.Kind, sum.FilesUploaded))
	m.SetBody("text/plain", FormatText(tenant, sum))

	d := gomail.NewDialer(e.cfg.Host, e.cfg.Port, e.cfg.Username, e.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

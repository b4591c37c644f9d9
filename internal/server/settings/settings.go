// Package settings holds the operator-tunable values that may change while
// the server runs. A Snapshot is an immutable value; components never read
// shared mutable state, they are handed a new Snapshot when it changes.
package settings

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults applied when nothing else is configured.
const (
	DefaultCronExpression      = "0 0 2 * * *"
	DefaultMaxFileLifetimeDays = 30
	DefaultBatchWindowMinutes  = 5
	DefaultSMTPPort            = 587
)

type Webhook struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
}

type Email struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
	StartTLS bool   `json:"starttls"`
}

// Recipients splits To on commas and drops blanks.
func (e Email) Recipients() []string {
	var out []string
	for _, r := range strings.Split(e.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot is one consistent view of the live settings.
type Snapshot struct {
	CronExpression      string  `json:"cron_expression"`
	MaxFileLifetimeDays int     `json:"max_file_lifetime_days"`
	BatchNotifications  bool    `json:"batch_notifications"`
	BatchWindowMinutes  int     `json:"batch_window_minutes"`
	Webhook             Webhook `json:"webhook"`
	Email               Email   `json:"email"`
}

// Default returns the built-in settings.
func Default() Snapshot {
	return Snapshot{
		CronExpression:      DefaultCronExpression,
		MaxFileLifetimeDays: DefaultMaxFileLifetimeDays,
		BatchWindowMinutes:  DefaultBatchWindowMinutes,
		Email:               Email{Port: DefaultSMTPPort},
	}
}

// WebhookActive reports whether the webhook sink is enabled and has a URL.
func (s Snapshot) WebhookActive() bool {
	return s.Webhook.Enabled && strings.TrimSpace(s.Webhook.URL) != ""
}

// EmailActive reports whether the email sink is enabled and fully addressed.
func (s Snapshot) EmailActive() bool {
	return s.Email.Enabled &&
		strings.TrimSpace(s.Email.Host) != "" &&
		strings.TrimSpace(s.Email.From) != "" &&
		len(s.Email.Recipients()) > 0
}

// AnySinkActive reports whether at least one notification sink can deliver.
func (s Snapshot) AnySinkActive() bool {
	return s.WebhookActive() || s.EmailActive()
}

// Batching reports whether notifications are coalesced into digests.
func (s Snapshot) Batching() bool {
	return s.BatchNotifications && s.BatchWindowMinutes >= 1
}

// Validate checks the values that do not need the cron parser.
func (s Snapshot) Validate() error {
	var errs []error
	if strings.TrimSpace(s.CronExpression) == "" {
		errs = append(errs, errors.New("cron expression is empty"))
	}
	if s.MaxFileLifetimeDays < 1 {
		errs = append(errs, fmt.Errorf("max file lifetime must be at least 1 day, got %d", s.MaxFileLifetimeDays))
	}
	if s.BatchWindowMinutes < 0 {
		errs = append(errs, fmt.Errorf("batch window must not be negative, got %d", s.BatchWindowMinutes))
	}
	if s.Email.Port < 0 || s.Email.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", s.Email.Port))
	}
	return errors.Join(errs...)
}

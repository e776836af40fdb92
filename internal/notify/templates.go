package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"sirius-sound/internal/pay"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Template names, also used as the metrics label.
const (
	TemplateQueueConfirmation = "queue_confirmation"
	TemplateContactCustomer   = "contact_customer"
	TemplateRemainingPayment  = "remaining_payment"
	TemplateShipped           = "shipped"
	TemplateCancelled         = "cancelled"
	TemplateWaitlistConfirm   = "waitlist_confirm"
)

// TemplateConfig carries the links and amounts rendered into emails.
type TemplateConfig struct {
	PublicBaseURL   string
	TelegramURL     string
	TrackingBaseURL string
	DepositAmount   int64
	RemainingAmount int64
}

// Templates renders the customer emails.
type Templates struct {
	cfg  TemplateConfig
	tmpl *template.Template
}

// NewTemplates parses the embedded email templates.
func NewTemplates(cfg TemplateConfig) (*Templates, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Templates{cfg: cfg, tmpl: tmpl}, nil
}

// QueueConfirmation is sent once the deposit is paid.
func (t *Templates) QueueConfirmation(to string, number int64) (Message, error) {
	return t.render(to, TemplateQueueConfirmation,
		fmt.Sprintf("You're #%d in the Sirius Sound Queue!", number),
		map[string]any{
			"QueueNumber": number,
			"TelegramURL": t.cfg.TelegramURL,
			"Deposit":     pay.FormatAmount(t.cfg.DepositAmount),
			"Remaining":   pay.FormatAmount(t.cfg.RemainingAmount),
		})
}

// ContactCustomer asks the customer to confirm their configuration.
func (t *Templates) ContactCustomer(to string, number int64, name string) (Message, error) {
	return t.render(to, TemplateContactCustomer,
		fmt.Sprintf("Your Sirius Sound Pickup is Almost Ready! (Queue #%d)", number),
		map[string]any{
			"QueueNumber": number,
			"Name":        name,
			"Remaining":   pay.FormatAmount(t.cfg.RemainingAmount),
		})
}

// RemainingPayment carries the balance payment link.
func (t *Templates) RemainingPayment(to string, number int64, paymentURL string, remaining, deposit int64) (Message, error) {
	return t.render(to, TemplateRemainingPayment,
		fmt.Sprintf("Invoice Ready: Remaining %s for Your Sirius Sound Pickup (#%d)", pay.FormatAmount(remaining), number),
		map[string]any{
			"QueueNumber": number,
			"PaymentURL":  template.URL(paymentURL),
			"Remaining":   pay.FormatAmount(remaining),
			"Deposit":     pay.FormatAmount(deposit),
			"Total":       pay.FormatAmount(remaining + deposit),
		})
}

// Shipped announces the tracking number.
func (t *Templates) Shipped(to string, number int64, tracking string) (Message, error) {
	return t.render(to, TemplateShipped,
		fmt.Sprintf("Your Sirius Sound Pickup Has Shipped! (#%d)", number),
		map[string]any{
			"QueueNumber":    number,
			"TrackingNumber": tracking,
			"TrackingURL":    t.TrackingURL(tracking),
		})
}

// Cancelled tells the customer their entry was cancelled.
func (t *Templates) Cancelled(to string, number int64) (Message, error) {
	return t.render(to, TemplateCancelled,
		fmt.Sprintf("Queue Entry Cancelled - Sirius Sound (#%d)", number),
		map[string]any{"QueueNumber": number})
}

// WaitlistConfirm carries the double opt-in link.
func (t *Templates) WaitlistConfirm(to, token string) (Message, error) {
	link := t.cfg.PublicBaseURL + "/api/waitlist/confirm?token=" + url.QueryEscape(token)
	return t.render(to, TemplateWaitlistConfirm,
		"Confirm your spot on the Sirius Sound waitlist",
		map[string]any{"ConfirmURL": link})
}

// TrackingURL links a tracking number to the carrier page.
func (t *Templates) TrackingURL(tracking string) string {
	return t.cfg.TrackingBaseURL + url.PathEscape(tracking)
}

func (t *Templates) render(to, name, subject string, data map[string]any) (Message, error) {
	var buf bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String(), Template: name}, nil
}

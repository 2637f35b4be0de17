package notifications

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridSender delivers notifications through the SendGrid v3 API
type SendGridSender struct {
	log    logs.Log
	client *sendgrid.Client
	from   string
	to     []string
}

func NewSendGridSender(log logs.Log, cfg config.MailConfig) *SendGridSender {
	return &SendGridSender{
		log:    log,
		client: sendgrid.NewSendClient(cfg.SendGridAPIKey),
		from:   cfg.FromAddr,
		to:     splitAddresses(cfg.ToAddr),
	}
}

func (s *SendGridSender) Name() string {
	return config.MailBackendSendGrid
}

func (s *SendGridSender) Send(ctx context.Context, n *Notification) error {
	response, err := s.client.SendWithContext(ctx, buildSendGridMail(s.from, s.to, n))
	if err != nil {
		return fmt.Errorf("Failed to send mail via SendGrid: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("SendGrid returned %v: %v", response.StatusCode, response.Body)
	}
	s.log.Infof("Mailed event %v frame %v via SendGrid. Status: %d", n.EventID, n.FrameID, response.StatusCode)
	return nil
}

func buildSendGridMail(from string, to []string, n *Notification) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail("ZoneMinder", from))
	message.Subject = n.Subject

	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail(addr, addr))
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", n.Message))

	if len(n.Image) != 0 {
		attachment := mail.NewAttachment()
		attachment.SetContent(base64.StdEncoding.EncodeToString(n.Image))
		attachment.SetType("image/jpeg")
		attachment.SetFilename(n.ImageFilename())
		attachment.SetDisposition("attachment")
		message.AddAttachment(attachment)
	}
	return message
}

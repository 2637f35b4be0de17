package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
)

// SMTPSender delivers notifications by email, upgrading the connection with STARTTLS when the server offers it
type SMTPSender struct {
	log     logs.Log
	host    string
	port    int
	user    string
	pass    string
	from    string
	to      []string
	timeout time.Duration
}

func NewSMTPSender(log logs.Log, cfg config.MailConfig) *SMTPSender {
	from := cfg.FromAddr
	if from == "" {
		from = cfg.Username
	}
	return &SMTPSender{
		log:     log,
		host:    cfg.Host,
		port:    cfg.Port,
		user:    cfg.Username,
		pass:    cfg.Password,
		from:    from,
		to:      splitAddresses(cfg.ToAddr),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (s *SMTPSender) Name() string {
	return config.MailBackendSMTP
}

func (s *SMTPSender) Send(ctx context.Context, n *Notification) error {
	msg, err := buildMIMEMessage(s.from, s.to, n, time.Now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("Failed to connect to mail server %v: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(s.timeout))

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("Failed to greet mail server %v: %w", addr, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("Failed to start TLS with %v: %w", addr, err)
		}
	}
	if s.user != "" {
		if err := c.Auth(smtp.PlainAuth("", s.user, s.pass, s.host)); err != nil {
			return fmt.Errorf("Failed to authenticate with %v: %w", addr, err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("Mail server rejected sender %v: %w", s.from, err)
	}
	for _, to := range s.to {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("Mail server rejected recipient %v: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("Failed to start mail body: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("Failed to write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Mail server rejected message: %w", err)
	}
	if err := c.Quit(); err != nil {
		// The message has already been accepted
		s.log.Warnf("SMTP QUIT failed: %v", err)
	}
	s.log.Infof("Mailed event %v frame %v to %v", n.EventID, n.FrameID, strings.Join(s.to, ", "))
	return nil
}

func splitAddresses(list string) []string {
	to := []string{}
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			to = append(to, a)
		}
	}
	return to
}

// buildMIMEMessage produces a multipart/mixed message with a text body and the JPEG attached
func buildMIMEMessage(from string, to []string, n *Notification, now time.Time) ([]byte, error) {
	buf := bytes.Buffer{}
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %v\r\n", from)
	fmt.Fprintf(&buf, "To: %v\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %v\r\n", mime.QEncoding.Encode("utf-8", n.Subject))
	fmt.Fprintf(&buf, "Date: %v\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%v\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	tw, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(tw)
	if _, err := qp.Write([]byte(n.Message)); err != nil {
		return nil, err
	}
	qp.Close()

	if len(n.Image) != 0 {
		imgHeader := textproto.MIMEHeader{}
		imgHeader.Set("Content-Type", "image/jpeg")
		imgHeader.Set("Content-Transfer-Encoding", "base64")
		imgHeader.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%v"`, n.ImageFilename()))
		iw, err := mw.CreatePart(imgHeader)
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(n.Image)
		for len(encoded) > 76 {
			iw.Write([]byte(encoded[:76] + "\r\n"))
			encoded = encoded[76:]
		}
		iw.Write([]byte(encoded + "\r\n"))
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

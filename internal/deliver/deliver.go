// Package deliver hands rendered reports to their destination: a file in
// the report directory or an SMTP mailbox.
package deliver

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/cloudinv/internal/config"
)

// Sink receives a rendered report
type Sink interface {
	Deliver(ctx context.Context, subject, body string) error
}

// DefaultReportName is the file name compare and sync reports are written to
const DefaultReportName = "report.html"

// FileSink writes the report body to Dir/Name, replacing any previous report
type FileSink struct {
	Dir  string
	Name string
}

// NewFileSink creates a sink writing to dir/name; an empty name uses DefaultReportName
func NewFileSink(dir, name string) *FileSink {
	if name == "" {
		name = DefaultReportName
	}
	return &FileSink{Dir: dir, Name: name}
}

// Path returns the file the sink writes
func (s *FileSink) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

// Deliver writes body atomically. The subject is not stored.
func (s *FileSink) Deliver(_ context.Context, _ string, body string) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.Dir, ".report-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.WriteString(body); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to set report permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailSink sends the report as an HTML mail. smtp.SendMail upgrades the
// connection with STARTTLS when the server offers it.
type MailSink struct {
	Host         string
	Port         int
	User         string
	PasswordFile string
	From         string
	To           []string
	// HTML selects text/html; otherwise the body is sent as text/plain
	HTML bool

	// Send defaults to smtp.SendMail
	Send SendFunc
	now  func() time.Time
}

// Deliver composes and sends the message
func (s *MailSink) Deliver(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.To) == 0 {
		return fmt.Errorf("no mail recipients configured")
	}

	var auth smtp.Auth
	if s.User != "" {
		if s.PasswordFile == "" {
			return fmt.Errorf("mail password file is required when a user is set")
		}
		password, err := config.ReadSecret(s.PasswordFile)
		if err != nil {
			return fmt.Errorf("failed to read mail password: %w", err)
		}
		auth = smtp.PlainAuth("", s.User, password, s.Host)
	}

	send := s.Send
	if send == nil {
		send = smtp.SendMail
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	if err := send(addr, auth, s.From, s.To, s.compose(subject, body)); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", addr, err)
	}
	return nil
}

func (s *MailSink) compose(subject, body string) []byte {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	contentType := "text/plain"
	if s.HTML {
		contentType = "text/html"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=utf-8\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

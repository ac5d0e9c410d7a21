package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
	Subject  string
	Timeout  time.Duration
}

// Email sends each record as an attachment over SMTP with mandatory
// STARTTLS.
type Email struct {
	cfg  EmailConfig
	log  *logrus.Entry
	send func(ctx context.Context, msg *mail.Msg) error
}

func NewEmail(cfg EmailConfig, log *logrus.Entry) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Subject == "" {
		cfg.Subject = "Telemetry report"
	}
	e := &Email{cfg: cfg, log: log.WithField("channel", "email")}
	e.send = e.dialAndSend
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, name string, content []byte) error {
	msg, err := e.buildMessage(name, content)
	if err != nil {
		return fmt.Errorf("%w: build email: %w", ErrPermanent, err)
	}
	if err := e.send(ctx, msg); err != nil {
		return classifyMailError(err)
	}
	e.log.WithField("file", name).Infof("Emailed to %d recipients", len(e.cfg.To))
	return nil
}

func (e *Email) Verify(ctx context.Context) error {
	client, err := e.client()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return classifyMailError(err)
	}
	return client.Close()
}

func (e *Email) buildMessage(name string, content []byte) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return nil, err
	}
	if err := msg.To(e.cfg.To...); err != nil {
		return nil, err
	}
	msg.Subject(fmt.Sprintf("%s: %s", e.cfg.Subject, name))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("Attached: %s\n", name))
	if err := msg.AttachReader(name, bytes.NewReader(content)); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Email) client() (*mail.Client, error) {
	return mail.NewClient(e.cfg.Host,
		mail.WithPort(e.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(e.cfg.User),
		mail.WithPassword(e.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(e.cfg.Timeout),
	)
}

func (e *Email) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	client, err := e.client()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func classifyMailError(err error) error {
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrTemporary) {
		return err
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		return fmt.Errorf("%w: smtp: %w", ErrPermanent, err)
	}
	return fmt.Errorf("%w: smtp: %w", ErrTemporary, err)
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const smsMaxBody = 1600

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMS sends the record text as an SMS body to every recipient.
type SMS struct {
	cfg SMSConfig
	api messageCreator
	log *logrus.Entry
}

func NewSMS(cfg SMSConfig, log *logrus.Entry) *SMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMS{cfg: cfg, api: client.Api, log: log.WithField("channel", "sms")}
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Send(ctx context.Context, name string, content []byte) error {
	body := strings.TrimSpace(string(content))
	body = truncateUTF8(body, smsMaxBody)

	var errs []error
	for _, to := range s.cfg.To {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTemporary, err)
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(s.cfg.From)
		params.SetBody(body)

		resp, err := s.api.CreateMessage(params)
		if err != nil {
			errs = append(errs, classifySMSError(to, err))
			continue
		}
		if resp != nil && resp.Sid != nil {
			s.log.WithField("sid", *resp.Sid).Debugf("SMS queued for %s", to)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.WithField("file", name).Infof("SMS sent to %d recipients", len(s.cfg.To))
	return nil
}

func (s *SMS) Verify(context.Context) error {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" || s.cfg.From == "" || len(s.cfg.To) == 0 {
		return fmt.Errorf("%w: sms channel not configured", ErrPermanent)
	}
	return nil
}

func classifySMSError(to string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status < 500 && restErr.Status != 429 {
		return fmt.Errorf("%w: sms to %s: %w", ErrPermanent, to, err)
	}
	return fmt.Errorf("%w: sms to %s: %w", ErrTemporary, to, err)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

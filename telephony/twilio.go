package telephony

import (
	"context"

	"github.com/pkg/errors"
	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallCreator is the part of the Twilio REST API used to place calls.
// *openapi.ApiService satisfies it.
type CallCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioDialer places outbound calls whose TwiML is fetched from a setup URL.
type TwilioDialer struct {
	api         CallCreator
	from        string
	ringTimeout int
}

func NewTwilioDialer(accountSid, authToken, from string, ringTimeout int) *TwilioDialer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return NewTwilioDialerWithAPI(client.Api, from, ringTimeout)
}

func NewTwilioDialerWithAPI(api CallCreator, from string, ringTimeout int) *TwilioDialer {
	if ringTimeout <= 0 {
		ringTimeout = 30
	}
	return &TwilioDialer{api: api, from: from, ringTimeout: ringTimeout}
}

// Dial asks Twilio to call to and fetch call-control markup from setupURL.
// It returns the Twilio call SID. Errors from Twilio are returned unwrapped
// so callers can inspect *client.TwilioRestError.
func (d *TwilioDialer) Dial(ctx context.Context, to, setupURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.from)
	params.SetUrl(setupURL)
	params.SetMethod("POST")
	params.SetTimeout(d.ringTimeout)

	resp, err := d.api.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio returned no call sid")
	}
	return *resp.Sid, nil
}

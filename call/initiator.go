package call

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"

	"github.com/mrsingh-rishi/callbridge/config"
	"github.com/mrsingh-rishi/callbridge/telephony"
)

// StatusInitiating is returned once the provider has accepted the call.
const StatusInitiating = "initiating"

// FarewellInstruction is appended to prompts that never mention ending the call,
// so the agent answers a goodbye with a farewell before the bridge hangs up.
const FarewellInstruction = "\n\nWhen the user says goodbye, bye, or wants to end the call, say a brief farewell like \"Thanks for your time. Goodbye!\" and the call will end."

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Request asks for one outbound call.
type Request struct {
	ToNumber     string `json:"to_number"`
	Prompt       string `json:"prompt"`
	StartMessage string `json:"start_message"`
}

// Initiation is returned when the provider accepted the call.
type Initiation struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"`
	ToNumber string `json:"to_number"`
	SetupURL string `json:"stream_setup_url"`
}

// Initiator registers calls and asks the telephony provider to place them.
type Initiator struct {
	cfg      config.Config
	registry *Registry
	dialer   Dialer
	log      *logrus.Entry
	newID    func() string
}

func NewInitiator(cfg config.Config, registry *Registry, dialer Dialer, log *logrus.Entry) *Initiator {
	return &Initiator{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer,
		log:      log,
		newID:    uuid.NewString,
	}
}

func (i *Initiator) Initiate(ctx context.Context, req Request) (Initiation, error) {
	if err := i.checkConfigured(); err != nil {
		return Initiation{}, err
	}
	if err := validate(req); err != nil {
		return Initiation{}, err
	}

	callID := i.newID()
	cfg := Config{Prompt: WithFarewell(req.Prompt), Greeting: req.StartMessage}
	if !i.registry.Put(callID, cfg) {
		return Initiation{}, errors.New("call id collision")
	}

	setupURL := telephony.SetupURL(i.cfg.BaseURL(), callID)
	sid, err := i.dialer.Dial(ctx, req.ToNumber, setupURL)
	if err != nil {
		i.registry.Delete(callID)
		rejection := &ProviderRejection{Message: err.Error(), Err: err}
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) {
			rejection.Code = restErr.Code
			rejection.Message = restErr.Message
		}
		i.log.WithField("call_id", callID).Errorf("Twilio call failed: %s", rejection.Message)
		return Initiation{}, rejection
	}

	i.log.WithField("call_id", callID).Infof("Call initiated: %s -> %s", sid, req.ToNumber)
	return Initiation{
		CallID:   callID,
		Status:   StatusInitiating,
		ToNumber: req.ToNumber,
		SetupURL: setupURL,
	}, nil
}

func (i *Initiator) checkConfigured() error {
	var missing []string
	if i.cfg.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if i.cfg.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if i.cfg.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if i.cfg.DeepgramAPIKey == "" {
		missing = append(missing, "DEEPGRAM_API_KEY")
	}
	if !strings.HasPrefix(i.cfg.BaseURL(), "http") {
		missing = append(missing, "SERVER_BASE_URL")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

func validate(req Request) error {
	if !e164.MatchString(req.ToNumber) {
		return &ValidationError{Field: "to_number", Message: "must be an E.164 number such as +15551234567"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "is required"}
	}
	return nil
}

// WithFarewell appends FarewellInstruction unless prompt already talks about
// saying bye.
func WithFarewell(prompt string) string {
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "goodbye") || strings.Contains(lower, "bye") {
		return prompt
	}
	return prompt + FarewellInstruction
}

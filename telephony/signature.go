package telephony

import (
	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks that webhook requests were signed by Twilio.
type SignatureValidator struct {
	validator client.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the full request URL and POST form params.
func (v *SignatureValidator) Valid(fullURL string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(fullURL, params, signature)
}

package call

import "context"

//go:generate mockgen -source=dialer.go -destination=mock_dialer.go -package=call

// Dialer asks the telephony provider to place an outbound call that fetches
// its call-control markup from setupURL. It returns the provider's call id.
type Dialer interface {
	Dial(ctx context.Context, to, setupURL string) (string, error)
}

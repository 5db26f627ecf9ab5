package quarantine

import (
	"context"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

// Notifier is told about every successful quarantine when notification is enabled.
type Notifier interface {
	NotifyInfection(ctx context.Context, record clamav.QuarantineRecord) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, record clamav.QuarantineRecord) error

// NotifyInfection calls f.
func (f NotifierFunc) NotifyInfection(ctx context.Context, record clamav.QuarantineRecord) error {
	return f(ctx, record)
}

// NopNotifier accepts every notification and does nothing.
type NopNotifier struct{}

// NotifyInfection does nothing.
func (NopNotifier) NotifyInfection(context.Context, clamav.QuarantineRecord) error { return nil }

// Mirror replicates quarantine pairs to secondary storage.
type Mirror interface {
	Put(ctx context.Context, name, artifactPath string, sidecar []byte) error
	Delete(ctx context.Context, name string) error
}

package capability

import "context"

type destinationKey struct{}

// WithDestination records the chat a capability call originates from, so
// timers and reminders know where to notify.
func WithDestination(ctx context.Context, destination string) context.Context {
	return context.WithValue(ctx, destinationKey{}, destination)
}

// DestinationFrom returns the destination recorded in ctx, if any.
func DestinationFrom(ctx context.Context) string {
	d, _ := ctx.Value(destinationKey{}).(string)
	return d
}

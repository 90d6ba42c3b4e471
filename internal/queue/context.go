package queue

import "context"

// Info identifies the job a handler is running.
type Info struct {
	ID          string
	Type        string
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this attempt is terminal.
func (i Info) Final() bool {
	return i.Attempt >= i.MaxAttempts
}

type infoKey struct{}

func withInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the running job's identity inside a handler.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

package protocol

import (
	"context"
)

// Receiver turns an external signal (a cron schedule firing, a message on
// a request queue) into run.requested events. The activator owns receiver
// lifecycles.
type Receiver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

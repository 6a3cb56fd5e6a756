package notify

import (
	"context"

	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/domain"
)

// Multi fans a failure out to every configured notifier.
type Multi []dispatcher.FailureNotifier

func (m Multi) JobFailed(ctx context.Context, job domain.DeliveryJob, reason string) {
	for _, n := range m {
		n.JobFailed(ctx, job, reason)
	}
}

var (
	_ dispatcher.FailureNotifier = (*AMQPNotifier)(nil)
	_ dispatcher.FailureNotifier = (*EmailNotifier)(nil)
	_ dispatcher.FailureNotifier = Multi(nil)
)

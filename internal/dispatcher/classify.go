package dispatcher

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Delivery outcome labels.
const (
	OutcomeSuccess          = "success"
	OutcomeFailed           = "failed"
	OutcomeMissingReference = "missing_reference"
)

// classifySendError buckets a transport error into a coarse status class
// for metrics. SMTP reply codes surface in error strings, so a prefix scan
// is the best available signal.
func classifySendError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	msg := err.Error()
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(msg, code) {
			return "smtp_transient"
		}
	}
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(msg, code) {
			return "smtp_permanent"
		}
	}
	return "error"
}

package monitor

import "log"

// AlertSink delivers a formatted risk alert somewhere an operator will see
// it. The default sink just logs; a pager/webhook sink can satisfy the same
// interface without Monitor knowing the difference.
type AlertSink interface {
	Send(message string) error
}

type logAlertSink struct{}

func (logAlertSink) Send(message string) error {
	log.Println("🚨", message)
	return nil
}

// DefaultAlertSink returns the log-based AlertSink used when no other
// delivery channel is configured.
func DefaultAlertSink() AlertSink {
	return logAlertSink{}
}

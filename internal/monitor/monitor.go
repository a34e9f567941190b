package monitor

import (
	"context"
	"log"
	"time"

	"coretrader/internal/events"
)

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

// NewMonitor builds a Monitor that delivers RiskEvaluator rejections
// published on bus (EventRiskAlert) through sink.
func NewMonitor(bus *events.Bus, sink AlertSink) *Monitor {
	return &Monitor{
		Bus: bus,
		AlertFn: func(msg string) {
			if err := sink.Send(msg); err != nil {
				log.Printf("⚠️ monitor: alert delivery failed: %v", err)
			}
		},
	}
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return "alert triggered"
	}
}

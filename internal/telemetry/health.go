package telemetry

import (
	"time"
)

// QueueHealth is one queue's slice of the health snapshot.
type QueueHealth struct {
	Name          string     `json:"name"`
	Pending       int        `json:"pending"`
	Delayed       int        `json:"delayed"`
	Failed        int        `json:"failed"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// HealthSnapshot is the task-status surface: overall mode, per-queue depth
// and the active alerts.
type HealthSnapshot struct {
	Mode         string        `json:"mode"`
	Timestamp    time.Time     `json:"timestamp"`
	Queues       []QueueHealth `json:"queues"`
	ActiveAlerts []string      `json:"activeAlerts"`
}

// QueueStats is implemented by the queue so the snapshot can read depth
// without importing it.
type QueueStats interface {
	Stats(queueName string) (pending, delayed, failed int, err error)
	LastSuccess(queueName string) (time.Time, string)
}

// BuildHealthSnapshot assembles the snapshot for the given queues.
func BuildHealthSnapshot(mode string, stats QueueStats, queueNames []string, alerts []string) HealthSnapshot {
	snap := HealthSnapshot{
		Mode:         mode,
		Timestamp:    time.Now().UTC(),
		ActiveAlerts: alerts,
	}
	if snap.ActiveAlerts == nil {
		snap.ActiveAlerts = []string{}
	}

	for _, name := range queueNames {
		qh := QueueHealth{Name: name}
		if stats != nil {
			pending, delayed, failed, err := stats.Stats(name)
			if err != nil {
				qh.LastError = err.Error()
			} else {
				qh.Pending, qh.Delayed, qh.Failed = pending, delayed, failed
			}
			if last, lastErr := stats.LastSuccess(name); !last.IsZero() {
				t := last
				qh.LastSuccessAt = &t
				qh.LastError = lastErr
			} else if lastErr != "" {
				qh.LastError = lastErr
			}
		}
		snap.Queues = append(snap.Queues, qh)
	}
	return snap
}

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventLogger appends every bus event to a daily NDJSON file.
type EventLogger struct {
	logDir string
	mu     sync.Mutex
}

func NewEventLogger(logDir string) (*EventLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &EventLogger{logDir: logDir}, nil
}

func (el *EventLogger) LogEvent(_ context.Context, eventMsg *EventMessage) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	logEntry := struct {
		*EventMessage
		LoggedAt string `json:"logged_at"`
	}{
		EventMessage: eventMsg,
		LoggedAt:     time.Now().Format(time.RFC3339),
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(el.logFilePath(eventMsg.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event to log: %w", err)
	}
	return nil
}

func (el *EventLogger) logFilePath(timestamp time.Time) string {
	return filepath.Join(el.logDir, fmt.Sprintf("events_%s.ndjson", timestamp.Format("2006-01-02")))
}

// RegisterEventLogger subscribes the logger to every topic. Log failures are
// reported but never fail the handler, so the bus keeps flowing.
func RegisterEventLogger(eventBus *EventBus, logger *EventLogger) {
	for _, eventType := range AllEventTypes() {
		et := eventType
		if err := eventBus.SubscribeAsync(et, fmt.Sprintf("logger-%s", et), func(ctx context.Context, eventMsg *EventMessage) error {
			if err := logger.LogEvent(ctx, eventMsg); err != nil {
				slog.Warn("failed to log event", "event_id", eventMsg.ID, "error", err)
			}
			return nil
		}); err != nil {
			slog.Warn("failed to subscribe event logger", "event_type", et, "error", err)
		}
	}
}

// EventLogReader reads events back from the daily NDJSON files.
type EventLogReader struct {
	logDir string
}

func NewEventLogReader(logDir string) *EventLogReader {
	return &EventLogReader{logDir: logDir}
}

func (elr *EventLogReader) ReadEvents(date time.Time) ([]*EventMessage, error) {
	logFile := filepath.Join(elr.logDir, fmt.Sprintf("events_%s.ndjson", date.Format("2006-01-02")))

	data, err := os.ReadFile(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []*EventMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var events []*EventMessage
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var logEntry struct {
			*EventMessage
			LoggedAt string `json:"logged_at"`
		}
		if err := json.Unmarshal([]byte(line), &logEntry); err != nil {
			slog.Warn("failed to unmarshal logged event", "error", err)
			continue
		}
		events = append(events, logEntry.EventMessage)
	}
	return events, nil
}

func (elr *EventLogReader) ReadEventsByType(date time.Time, eventType EventType) ([]*EventMessage, error) {
	allEvents, err := elr.ReadEvents(date)
	if err != nil {
		return nil, err
	}

	var filtered []*EventMessage
	for _, e := range allEvents {
		if e.Type == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

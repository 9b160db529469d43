package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// ParseMergeRequest parses the message value as a merge directive. The
// payload shape matches the POST /merge body.
func (m *IncomingMessage) ParseMergeRequest() (*models.MergeRequest, error) {
	var req models.MergeRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EventType returns the event_type header, if present.
func (m *IncomingMessage) EventType() string {
	return m.Headers["event_type"]
}

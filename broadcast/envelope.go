package broadcast

import (
	"fmt"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// Encode builds the wire envelope {type, projectId, payload} for an entity
// snapshot.
func Encode(eventType string, entity any, projectID string) ([]byte, error) {
	payload, err := sonic.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	data, err := sonic.Marshal(domain.Event{Type: eventType, ProjectID: projectID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (domain.Event, error) {
	var ev domain.Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return domain.Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

package domain

import "encoding/json"

const (
	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskMoved   = "task:moved"
	EventTaskDeleted = "task:deleted"
)

// Event is the broadcast envelope pushed to channel subscribers. Payload holds
// the post-commit entity snapshot.
type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload"`
}

// ProjectChannel names the channel carrying a project's board events.
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// UserChannel names the channel carrying a user's notifications.
func UserChannel(userID string) string {
	return "user:" + userID
}

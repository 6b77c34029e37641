package amqp

import (
	"encoding/json"
	"time"
)

// RunJobMessage asks a worker to execute one locked run. Contains only the
// identifiers, the worker reads the snapshot from the store.
type RunJobMessage struct {
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	BudgetID  string    `json:"budget_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRunJobMessage creates a new run job message
func NewRunJobMessage(runID, userID, budgetID string) *RunJobMessage {
	return &RunJobMessage{
		RunID:     runID,
		UserID:    userID,
		BudgetID:  budgetID,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RunJobMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RunJobMessageFromJSON creates a message from JSON bytes
func RunJobMessageFromJSON(data []byte) (*RunJobMessage, error) {
	var msg RunJobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RunFailedMessage tells a mailer that a run stopped before finishing
type RunFailedMessage struct {
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	UserEmail string    `json:"user_email"`
	BudgetID  string    `json:"budget_id"`
	RunTime   time.Time `json:"run_time"`
	Posted    int       `json:"posted"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m *RunFailedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RunFailedMessageFromJSON creates a message from JSON bytes
func RunFailedMessageFromJSON(data []byte) (*RunFailedMessage, error) {
	var msg RunFailedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

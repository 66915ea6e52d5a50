package amqp

import (
	"encoding/json"
	"time"

	"zenbudget/internal/core"
)

// Trigger sources folded into the single sync entry point. Kept on the
// wire so the worker can log why a sync ran.
const (
	ReasonManual    = "manual"
	ReasonPeriodic  = "periodic"
	ReasonReconnect = "reconnect"
	ReasonConnect   = "connect"
)

// SyncRequestMessage asks the worker to run a delta sync for one user.
// Overlapping requests collapse at the worker's scheduler; publishing is
// always safe.
type SyncRequestMessage struct {
	UserID    core.UserID `json:"user_id"`
	Reason    string      `json:"reason"`
	Timestamp time.Time   `json:"timestamp"`
}

// DrainReportMessage carries the aggregate outcome of one offline-queue
// drain pass. Only counts, never per-entry detail, so notification
// consumers cannot spam the user.
type DrainReportMessage struct {
	UserID    core.UserID `json:"user_id"`
	Synced    int         `json:"synced"`
	Failed    int         `json:"failed"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewSyncRequestMessage(userID core.UserID, reason string) *SyncRequestMessage {
	return &SyncRequestMessage{
		UserID:    userID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

func NewDrainReportMessage(userID core.UserID, synced, failed int) *DrainReportMessage {
	return &DrainReportMessage{
		UserID:    userID,
		Synced:    synced,
		Failed:    failed,
		Timestamp: time.Now(),
	}
}

func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *DrainReportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func DrainReportMessageFromJSON(data []byte) (*DrainReportMessage, error) {
	var msg DrainReportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

package amqp

import (
	"testing"
)

func TestSyncRequestMessage_RoundTrip(t *testing.T) {
	msg := NewSyncRequestMessage(42, ReasonManual)

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	got, err := SyncRequestMessageFromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.UserID != 42 {
		t.Errorf("user id = %d, want 42", got.UserID)
	}
	if got.Reason != ReasonManual {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonManual)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestDrainReportMessage_RoundTrip(t *testing.T) {
	msg := NewDrainReportMessage(42, 5, 2)

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	got, err := DrainReportMessageFromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.Synced != 5 || got.Failed != 2 {
		t.Errorf("counts = %d/%d, want 5/2", got.Synced, got.Failed)
	}
}

func TestSyncRequestMessageFromJSON_Invalid(t *testing.T) {
	if _, err := SyncRequestMessageFromJSON([]byte("not json")); err == nil {
		t.Error("want error for malformed body")
	}
}

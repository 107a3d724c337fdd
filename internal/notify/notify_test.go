package notify

import (
	"encoding/json"
	"testing"
	"time"

	"pnode-monitor/internal/models"
)

func TestMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ev := AlertEvent{
		Type:       EventAlertCreated,
		Alert:      models.Alert{ID: "a1", RuleID: "r1", Severity: models.SeverityWarning, TriggerValue: 40},
		OccurredAt: at,
	}
	msg, err := Message(ev)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "r1" || !msg.Time.Equal(at) {
		t.Fatalf("key=%s time=%s", msg.Key, msg.Time)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(EventAlertCreated) {
		t.Fatalf("headers=%v", msg.Headers)
	}

	var decoded AlertEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Alert.ID != "a1" || decoded.Type != EventAlertCreated {
		t.Fatalf("decoded=%+v", decoded)
	}
}

func TestMessages_KeepsOrder(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []AlertEvent{
		{Type: EventAlertCreated, Alert: models.Alert{ID: "a1", RuleID: "r1"}, OccurredAt: at},
		{Type: EventAlertResolved, Alert: models.Alert{ID: "a2", RuleID: "r2"}, OccurredAt: at},
	}
	msgs, err := Messages(events)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("msgs=%d err=%v", len(msgs), err)
	}
	if string(msgs[0].Key) != "r1" || string(msgs[1].Key) != "r2" {
		t.Fatalf("keys=%s,%s", msgs[0].Key, msgs[1].Key)
	}

	if msgs, err := Messages(nil); err != nil || len(msgs) != 0 {
		t.Fatalf("empty batch: msgs=%v err=%v", msgs, err)
	}
}

package messages

import (
	"errors"
	"testing"
)

func TestParseAgentKind(t *testing.T) {
	for _, k := range AllAgentKinds {
		got, err := ParseAgentKind(string(k))
		if err != nil {
			t.Fatalf("ParseAgentKind(%q) failed: %v", k, err)
		}
		if got != k {
			t.Errorf("got %q, want %q", got, k)
		}
	}

	_, err := ParseAgentKind("send_email")
	if !errors.Is(err, ErrUnknownAgentKind) {
		t.Errorf("expected ErrUnknownAgentKind, got %v", err)
	}
}

func TestDiscoverTask(t *testing.T) {
	msg := DiscoverTask("org-1", "acme.com", "Acme", "run-1")

	if msg.TaskKind != AgentDiscover {
		t.Errorf("got kind %q", msg.TaskKind)
	}
	if msg.EntityID != "org-1" {
		t.Errorf("got entity %q", msg.EntityID)
	}
	if msg.EntityRef != "acme.com" {
		t.Errorf("got ref %q", msg.EntityRef)
	}
	if msg.RunID() != "run-1" {
		t.Errorf("got run %q", msg.RunID())
	}
	if msg.TraceID == "" {
		t.Error("trace id not set")
	}
	if msg.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestProcessItemTask(t *testing.T) {
	msg := ProcessItemTask("org-1", "acme.com", "item-7", "run-2")

	if msg.TaskKind != AgentProcessItem {
		t.Errorf("got kind %q", msg.TaskKind)
	}
	if msg.ItemID() != "item-7" {
		t.Errorf("got item %q", msg.ItemID())
	}
	if msg.RunID() != "run-2" {
		t.Errorf("got run %q", msg.RunID())
	}
}

func TestTaskTraceIDsAreUnique(t *testing.T) {
	a := CollectTask("org-1", "acme.com", "https://acme.com/careers", "run-1")
	b := CollectTask("org-1", "acme.com", "https://acme.com/careers", "run-1")
	if a.TraceID == b.TraceID {
		t.Error("expected distinct trace ids")
	}
}

func TestPayloadAccessors_Missing(t *testing.T) {
	msg := &TaskMessage{TaskKind: AgentCollect}
	if msg.RunID() != "" || msg.ItemID() != "" {
		t.Error("expected empty accessors on nil payload")
	}
	msg.Payload = map[string]interface{}{"item_id": 42}
	if msg.ItemID() != "" {
		t.Error("non-string item_id should read as empty")
	}
}

package messages

import (
	"encoding/json"
	"testing"
)

func TestSuccessOutcome(t *testing.T) {
	out, err := SuccessOutcome("run-1", DiscoverResult{URL: "https://x.com/careers", Method: "sitemap"})
	if err != nil {
		t.Fatalf("SuccessOutcome failed: %v", err)
	}
	if out.Failed() {
		t.Error("success outcome reported as failed")
	}
	if out.RunID != "run-1" {
		t.Errorf("got run %q", out.RunID)
	}

	var res DiscoverResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.URL != "https://x.com/careers" {
		t.Errorf("got url %q", res.URL)
	}
}

func TestFailureOutcome(t *testing.T) {
	out := FailureOutcome("run-1", "scraper timed out")
	if !out.Failed() {
		t.Error("expected failed outcome")
	}
	if out.Err != "scraper timed out" {
		t.Errorf("got err %q", out.Err)
	}

	if FailureOutcome("", "").Err == "" {
		t.Error("empty failure message should get a default")
	}
}

func TestAgentCompletion_FailureItemID(t *testing.T) {
	body := `{"agent_kind":"process_item","error":"timeout","run_id":"r1","item_id":"i9"}`
	var c AgentCompletion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		t.Fatal(err)
	}
	out := c.Outcome()
	if !out.Failed() {
		t.Error("expected failure")
	}
	if out.ItemID != "i9" {
		t.Errorf("got item %q", out.ItemID)
	}
	if tagged := FailureOutcome("r1", "x").ForItem("i2"); tagged.ItemID != "i2" || tagged.Err != "x" {
		t.Errorf("got %+v", tagged)
	}
}

func TestAgentCompletion_Outcome(t *testing.T) {
	body := `{"agent_kind":"process_item","result":{"item_id":"i1","score":80},"run_id":"r1"}`
	var c AgentCompletion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		t.Fatal(err)
	}
	out := c.Outcome()
	if out.Failed() {
		t.Error("unexpected failure")
	}
	if out.RunID != "r1" {
		t.Errorf("got run %q", out.RunID)
	}

	var item ItemResult
	if err := json.Unmarshal(out.Result, &item); err != nil {
		t.Fatal(err)
	}
	if item.Score != 80 {
		t.Errorf("got score %d", item.Score)
	}
}

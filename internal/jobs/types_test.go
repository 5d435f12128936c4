package jobs

import "testing"

func TestFetchTask(t *testing.T) {
	p := FetchPayload{ChatID: 7, MessageID: 99, URL: "https://youtu.be/abc123", HasRange: true, Start: 60, Duration: 30}
	task, opts, err := NewFetchTask(p)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskFetch {
		t.Fatalf("type = %q", task.Type())
	}
	if len(opts) != 2 {
		t.Fatalf("opts = %v", opts)
	}
	if p.TaskID() != "fetch:7:99" {
		t.Fatalf("TaskID = %q", p.TaskID())
	}
	got, err := DecodeFetch(task)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("decoded %+v, want %+v", got, p)
	}
}

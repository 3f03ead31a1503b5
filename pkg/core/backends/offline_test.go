package backends

import "testing"

func TestOfflineResponder_EchoesInput(t *testing.T) {
	o := NewOfflineResponder()
	if o.Name() != "offline" {
		t.Fatalf("name = %q, want offline", o.Name())
	}

	text, err := o.Complete(t.Context(), nil, "turn on the lights")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "I heard you say: turn on the lights" {
		t.Fatalf("text = %q", text)
	}
}

func TestOfflineResponder_EmptyInput(t *testing.T) {
	o := NewOfflineResponder()
	text, err := o.Complete(t.Context(), nil, "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text == "" {
		t.Fatal("empty input should still produce a reply")
	}
}

package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rcommerce/conveyor/job"
)

type receiptPayload struct {
	OrderID string `json:"order_id" msgpack:"order_id"`
	Email   string `json:"email" msgpack:"email"`
}

func TestRegistry_DecodesJSONPayload(t *testing.T) {
	r := job.NewRegistry()

	var got receiptPayload
	job.RegisterDefinition(r, job.NewDefinition("send_receipt", func(_ context.Context, p receiptPayload) error {
		got = p
		return nil
	}))

	h, ok := r.Get("send_receipt")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(receiptPayload{OrderID: "ord_1", Email: "a@example.com"})
	if err := h(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrderID != "ord_1" || got.Email != "a@example.com" {
		t.Errorf("decoded %+v", got)
	}
}

func TestRegistry_DecodesMsgPackPayload(t *testing.T) {
	r := job.NewRegistry()

	var got receiptPayload
	job.RegisterDefinition(r, job.NewDefinition("bulk_import", func(_ context.Context, p receiptPayload) error {
		got = p
		return nil
	}, job.WithCodec(job.MsgPack)))

	payload, err := job.MsgPack.Marshal(receiptPayload{OrderID: "ord_2", Email: "b@example.com"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	h, _ := r.Get("bulk_import")
	if err := h(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrderID != "ord_2" {
		t.Errorf("OrderID = %q, want ord_2", got.OrderID)
	}
	if codec := r.Options("bulk_import").Codec; codec.Name() != "msgpack" {
		t.Errorf("codec = %s, want msgpack", codec.Name())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered job")
	}
	if opts := r.Options("nonexistent"); opts.Queue != "default" {
		t.Errorf("unknown type should get default options, got queue %q", opts.Queue)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := job.NewRegistry()
	noop := func(context.Context, []byte) error { return nil }
	r.Register("sync_inventory", noop)
	r.Register("deliver_webhook", noop)
	r.Register("generate_report", noop)

	names := r.Names()
	want := []string{"deliver_webhook", "generate_report", "sync_inventory"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegistry_InvalidPayload(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed", func(_ context.Context, _ receiptPayload) error {
		t.Fatal("handler should not be called with invalid JSON")
		return nil
	}))

	h, _ := r.Get("typed")
	if err := h(context.Background(), []byte(`{invalid json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := job.NewRegistry()
	called := false
	job.RegisterDefinition(r, job.NewDefinition("no_payload", func(_ context.Context, _ struct{}) error {
		called = true
		return nil
	}))

	h, _ := r.Get("no_payload")
	if err := h(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ struct{}) error {
		return want
	}))

	h, _ := r.Get("failing")
	if err := h(context.Background(), nil); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRegistry_RegisteredDefaults(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("deliver_webhook",
		func(context.Context, struct{}) error { return nil },
		job.WithQueue("webhooks"),
		job.WithPriority(job.PriorityHigh),
		job.WithMaxAttempts(8),
	))

	opts := r.Options("deliver_webhook")
	if opts.Queue != "webhooks" || opts.Priority != job.PriorityHigh || opts.MaxAttempts != 8 {
		t.Errorf("unexpected defaults %+v", opts)
	}
}

package events

import (
	"context"
	"reflect"
	"testing"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func TestRegistry_DecodeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("order.created", JSONDecoder[orderCreated]())

	got, err := reg.Decode(Event{
		Type:    "order.created",
		Payload: []byte(`{"order_id":"o-1","amount":42}`),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := orderCreated{OrderID: "o-1", Amount: 42}
	if got != want {
		t.Fatalf("decoded %+v, want %+v", got, want)
	}
}

func TestRegistry_UnknownTypeErrors(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Decode(Event{Type: "mystery", Payload: []byte("{}")}); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("e", JSONDecoder[orderCreated]())

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	reg.Register("e", JSONDecoder[orderCreated]())
}

func TestRegistry_TypesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, typ := range []string{"z.last", "a.first", "m.middle"} {
		reg.Register(typ, JSONDecoder[orderCreated]())
	}
	want := []string{"a.first", "m.middle", "z.last"}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
}

func TestJSONDecoder_InvalidPayload(t *testing.T) {
	dec := JSONDecoder[orderCreated]()
	if _, err := dec([]byte("not json")); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestNopPublisher_AcceptsEverything(t *testing.T) {
	var pub Publisher = NopPublisher{}
	if err := pub.Publish(context.Background(), Event{Type: "e", Payload: []byte("{}")}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}

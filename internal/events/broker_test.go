package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestScopeChannel(t *testing.T) {
	scope := Scope{ServiceID: uuid.New(), ClinicID: uuid.New(), DoctorID: uuid.New()}
	other := Scope{ServiceID: uuid.New(), ClinicID: scope.ClinicID, DoctorID: scope.DoctorID}

	if scope.Channel() == other.Channel() {
		t.Fatal("different scopes must map to different channels")
	}
	if scope.Channel() != scope.Channel() {
		t.Fatal("channel derivation must be stable")
	}
}

func TestMemoryBrokerDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	scope := Scope{ServiceID: uuid.New(), ClinicID: uuid.New(), DoctorID: uuid.New()}
	sub, err := b.Subscribe(ctx, scope)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	otherScope := Scope{ServiceID: uuid.New(), ClinicID: uuid.New(), DoctorID: uuid.New()}
	otherSub, err := b.Subscribe(ctx, otherScope)
	if err != nil {
		t.Fatalf("Subscribe other: %v", err)
	}
	defer otherSub.Close()

	ev := New(TypeAvailabilityUpdated, scope, uuid.New(), map[string]any{"change": "created"})
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.C:
		if got.ID != ev.ID || got.Type != TypeAvailabilityUpdated {
			t.Fatalf("got %+v, want the published event", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case got := <-otherSub.C:
		t.Fatalf("foreign-scope subscriber received %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	scope := Scope{ServiceID: uuid.New(), ClinicID: uuid.New(), DoctorID: uuid.New()}

	sub, err := b.Subscribe(ctx, scope)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ID() == uuid.Nil {
		t.Fatal("subscription handle must carry an identity")
	}

	sub.Close()
	sub.Close() // closing twice is safe

	if err := b.Publish(ctx, New(TypeSlotReleased, scope, uuid.New(), nil)); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("closed subscription channel still delivers")
	}
}

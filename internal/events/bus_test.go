package events

import "testing"

func TestBusFanOut(t *testing.T) {
	bus := New()

	var first, second []string

	bus.Subscribe(func(c Change) { first = append(first, c.Entity) })
	bus.Subscribe(func(c Change) { second = append(second, c.Entity) })

	bus.Publish(Change{Entity: EntityStock})
	bus.Publish(Change{Entity: EntityExchange})

	for name, got := range map[string][]string{"first": first, "second": second} {
		if len(got) != 2 || got[0] != EntityStock || got[1] != EntityExchange {
			t.Errorf("%s subscriber saw %v, want [stock exchange]", name, got)
		}
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus

	// Must not panic.
	bus.Publish(Change{Entity: EntityStock})
}

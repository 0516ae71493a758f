package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	unsub := bus.Subscribe("a", func(s string) { got = append(got, s) })
	bus.Subscribe("b", func(s string) { t.Fatalf("unexpected delivery on b: %s", s) })

	bus.Publish("a", "one")
	bus.Publish("a", "two")
	assert.Equal(t, []string{"one", "two"}, got)

	unsub()
	bus.Publish("a", "three")
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, 0, bus.Subscribers("a"))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus[int]()
	unsub1 := bus.Subscribe("t", func(int) {})
	bus.Subscribe("t", func(int) {})

	unsub1()
	unsub1()
	assert.Equal(t, 1, bus.Subscribers("t"))
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()
	calls := 0
	var unsub func()
	unsub = bus.Subscribe("t", func(int) {
		calls++
		unsub()
	})

	bus.Publish("t", 1)
	bus.Publish("t", 2)
	assert.Equal(t, 1, calls)
}

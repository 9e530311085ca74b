package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliveryOrder(t *testing.T) {
	b := New()

	var got []int
	b.Subscribe("t", func(interface{}) { got = append(got, 1) })
	b.Subscribe("t", func(interface{}) { got = append(got, 2) })
	b.Subscribe("t", func(interface{}) { got = append(got, 3) })

	b.Publish("t", nil)

	assert.Equal(t, []int{1, 2, 3}, got, "subscribers must run in registration order")
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New()

	var after bool
	b.Subscribe("t", func(interface{}) { panic("boom") })
	b.Subscribe("t", func(interface{}) { after = true })

	require.NotPanics(t, func() { b.Publish("t", "payload") })
	assert.True(t, after, "subscriber after a panic must still run")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()

	var calls int
	sub := b.Subscribe("t", func(interface{}) { calls++ })
	b.Publish("t", nil)
	b.Unsubscribe(sub)
	b.Publish("t", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount("t"))
}

func TestBus_PayloadDelivered(t *testing.T) {
	b := New()

	var got interface{}
	b.Subscribe("rate:updated", func(p interface{}) { got = p })
	b.Publish("rate:updated", 42)

	assert.Equal(t, 42, got)
}

func TestBus_UnknownTopicNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Publish("nobody-home", nil) })
}

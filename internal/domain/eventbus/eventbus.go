package eventbus

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus is a per-session event bus. Publish is synchronous: subscribers run on
// the publishing goroutine, in publish order.
type Bus struct {
	bus evbus.Bus
}

// New 创建新的事件总线
func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish 发布同步事件
func (b *Bus) Publish(topic string, args ...interface{}) {
	if b == nil {
		return
	}
	b.bus.Publish(topic, args...)
}

// Subscribe 订阅同步事件
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeOrdered subscribes fn off the publishing goroutine. Handlers for
// one topic run one at a time, in publish order.
func (b *Bus) SubscribeOrdered(topic string, fn interface{}) error {
	return b.bus.SubscribeAsync(topic, fn, true)
}

func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.bus.Unsubscribe(topic, fn)
}

func (b *Bus) HasSubscribers(topic string) bool {
	return b.bus.HasCallback(topic)
}

// Wait blocks until ordered handlers have drained.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}

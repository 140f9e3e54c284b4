package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer は購読者ごとの受信バッファの既定サイズ。
const DefaultBuffer = 256

// MemoryBroker はプロセス内の複数のMemoryBusを相互に接続するブローカー。
// 単一インスタンス構成と、複数プロセスを模擬するテストで使用する。
type MemoryBroker struct {
	mu sync.RWMutex
	// subscribers は接続中のバス。
	subscribers map[*MemoryBus]struct{}
	// buffer はバスごとの受信バッファのサイズ。
	buffer int
	// logger は取りこぼしを記録するロガー。
	logger *zap.Logger
}

// NewMemoryBroker は新しいブローカーを生成する。bufferが0以下の場合はDefaultBufferを使用する。
func NewMemoryBroker(buffer int, logger *zap.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryBroker{
		subscribers: make(map[*MemoryBus]struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// NewBus はブローカーに接続された新しいバスを生成する。
// 生成した時点から発行されたイベントを受信バッファに蓄積する。
func (b *MemoryBroker) NewBus() *MemoryBus {
	bus := &MemoryBus{
		broker: b,
		events: make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[bus] = struct{}{}
	b.mu.Unlock()
	return bus
}

// Subscribers は接続中のバスの数を返す。
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// publish は全バスへイベントを配る。受信バッファが満杯のバスには配らず、取りこぼし数を返す。
func (b *MemoryBroker) publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for bus := range b.subscribers {
		select {
		case bus.events <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn("受信バッファが満杯のためイベントを破棄しました",
			zap.String("kind", string(ev.Kind)),
			zap.String("origin", ev.Origin),
			zap.Int("dropped", dropped),
		)
	}
	return dropped
}

// remove はバスをブローカーから切り離す。
func (b *MemoryBroker) remove(bus *MemoryBus) {
	b.mu.Lock()
	delete(b.subscribers, bus)
	b.mu.Unlock()
}

// MemoryBus はMemoryBrokerを介してイベントを送受信するBusの実装。
type MemoryBus struct {
	// broker は接続先のブローカー。
	broker *MemoryBroker
	// events は受信バッファ。
	events chan Event
	// done はクローズ時に閉じられるチャネル。
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*MemoryBus)(nil)

// Publish はブローカーに接続された全バス（自身を含む）へイベントを配る。
func (m *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.broker.publish(ev)
	return nil
}

// Run は受信したイベントを順にhandlerへ渡す。
func (m *MemoryBus) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case ev := <-m.events:
			handler(ctx, ev)
		}
	}
}

// Close はバスをブローカーから切り離す。複数回呼び出しても安全。
func (m *MemoryBus) Close() error {
	m.closeOnce.Do(func() {
		m.broker.remove(m)
		close(m.done)
	})
	return nil
}

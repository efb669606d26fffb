package amqp

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaygo/amqp/internal/metrics"
)

// channelManager is the channels-manager component: it owns channel-number
// allocation and the registry (number -> channel) that lets a connection
// demultiplex incoming frames and broadcast a shutdown to every open
// channel. The registry is keyed by number only; there is no channel ->
// number map, each Channel carries its own number.
type channelManager struct {
	mu        sync.Mutex
	allocator *allocator
	byNumber  map[uint16]*Channel
	logger    *zap.Logger
}

func newChannelManager(max uint16, logger *zap.Logger) *channelManager {
	if max == 0 {
		max = 65535
	}
	return &channelManager{
		allocator: newAllocator(max),
		byNumber:  map[uint16]*Channel{},
		logger:    logger,
	}
}

// open allocates a number for ch (0 lets the allocator pick) and registers
// ch under it. Returns ErrChannelAlreadyRegistered if want is already taken,
// ErrOutOfChannelNumbers if the space is exhausted.
func (m *channelManager) open(ch *Channel, want uint16) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.allocator.propose(want)
	if err != nil {
		return 0, err
	}
	m.byNumber[n] = ch
	metrics.OpenChannels.Inc()
	return n, nil
}

func (m *channelManager) get(n uint16) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.byNumber[n]
	return ch, ok
}

// unregister removes n from the registry and releases it back to the
// allocator for reuse.
func (m *channelManager) unregister(n uint16) {
	m.mu.Lock()
	_, existed := m.byNumber[n]
	delete(m.byNumber, n)
	m.allocator.release(n)
	m.mu.Unlock()
	if existed {
		metrics.OpenChannels.Dec()
	}
}

// broadcast delivers err to every currently registered channel, used when
// the owning connection itself is shutting down.
func (m *channelManager) broadcast(err *Error) {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.byNumber))
	for _, ch := range m.byNumber {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
}

func (m *channelManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byNumber)
}

// terminationKind classifies how a channel went away, used to decide
// whether its number is safe to hand back to the allocator immediately
// (normal, soft) or whether the whole connection must follow it down
// (hard).
type terminationKind int

const (
	terminationNormal terminationKind = iota
	terminationSoft
	terminationHard
	terminationAlreadyClosing
)

// classifyTermination maps a channel-level *Error to the termination kind
// handle_channel_termination uses to decide fate: a nil error is a normal
// close, a soft-exception code only invalidates the channel, anything else
// is hard and must propagate to the connection.
func classifyTermination(err *Error, alreadyClosing bool) terminationKind {
	if alreadyClosing {
		return terminationAlreadyClosing
	}
	if err == nil {
		return terminationNormal
	}
	if err.Recover {
		return terminationSoft
	}
	return terminationHard
}

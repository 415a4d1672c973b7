package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

const (
	backoffInitial = 5 * time.Second
	backoffCap     = 300 * time.Second
	stableUptime   = 60 * time.Second
)

// Manager is the ChannelSupervisor: it owns every registered transport
// adapter, starts each under an independent restart-with-backoff loop,
// and runs a single outbound dispatcher that routes Bus outbound
// messages to the adapter named by msg.Channel.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus

	dispatchCancel context.CancelFunc
	supervisors    map[string]context.CancelFunc
	started        bool
}

func NewManager(mb *bus.MessageBus) *Manager {
	return &Manager{
		channels:    make(map[string]Channel),
		bus:         mb,
		supervisors: make(map[string]context.CancelFunc),
	}
}

func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.supervisors[name]; ok {
		cancel()
		delete(m.supervisors, name)
	}
	delete(m.channels, name)
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetEnabledChannels returns the names of every registered channel.
// Channels disabled by config are simply never registered in the first
// place, so "registered" and "enabled" coincide here.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll launches a supervisor goroutine per registered channel and
// the single outbound dispatcher. Idempotent: a second call is a no-op.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	if m.supervisors == nil {
		m.supervisors = make(map[string]context.CancelFunc)
	}

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	m.dispatchCancel = dispatchCancel

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.superviseChannel(ctx, name)
	}

	go m.dispatchOutbound(dispatchCtx)
	return nil
}

// superviseChannel starts name's supervisor goroutine: run Start(), and
// if it returns (or panics) before stableUptime has elapsed, wait an
// exponentially growing backoff (capped at backoffCap) before retrying.
// A run that lasts past stableUptime resets the backoff to its initial
// value.
func (m *Manager) superviseChannel(parent context.Context, name string) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	m.supervisors[name] = cancel
	m.mu.Unlock()

	go func() {
		backoff := backoffInitial
		for {
			m.mu.RLock()
			ch, ok := m.channels[name]
			m.mu.RUnlock()
			if !ok {
				return
			}

			startedAt := time.Now()
			runErr := m.runOnce(ctx, ch, name)
			if ctx.Err() != nil {
				return
			}

			if time.Since(startedAt) >= stableUptime {
				backoff = backoffInitial
			}

			logger.WarnCF("channels", "adapter exited, restarting after backoff", map[string]interface{}{
				"channel": name, "backoff": backoff.String(), "error": errString(runErr),
			})

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}()
}

// runOnce invokes ch.Start and recovers a panic into an error so a
// misbehaving adapter cannot take the whole supervisor down.
func (m *Manager) runOnce(ctx context.Context, ch Channel, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel %q: %v", name, r)
		}
	}()
	return ch.Start(ctx)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StopAll cancels every supervisor and the outbound dispatcher, then
// calls Stop on each registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		m.dispatchCancel = nil
	}
	for name, cancel := range m.supervisors {
		cancel()
		delete(m.supervisors, name)
	}

	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	var firstErr error
	for name, ch := range channels {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %q: %w", name, err)
		}
	}
	return firstErr
}

// dispatchOutbound is the Manager's single outbound consumer: it drains
// the Bus's outbound FIFO and routes each message to the adapter named
// by msg.Channel, logging and dropping anything addressed to an unknown
// channel.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		ch, found := m.GetChannel(msg.Channel)
		if !found {
			logger.WarnCF("channels", "outbound message for unknown channel dropped", map[string]interface{}{"channel": msg.Channel})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "outbound send failed", map[string]interface{}{
				"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error(),
			})
		}
	}
}

// SendToChannel sends content directly to chatID on the named channel,
// bypassing the Bus outbound queue. Used by the HTTP/CLI surfaces for
// one-off sends (e.g. cron delivery already resolved a specific chat).
func (m *Manager) SendToChannel(ctx context.Context, channel, chatID, content string) error {
	ch, ok := m.GetChannel(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
}

// GetStatus returns a snapshot of every registered channel's running
// and enabled state, suitable for JSON serialization on a status
// endpoint.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{
			"running": ch.IsRunning(),
			"enabled": true,
		}
	}
	return status
}

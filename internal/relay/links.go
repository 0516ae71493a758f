package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/protocol"
)

// Link is a live websocket from a machine to the hub. The transport drains
// Send onto the socket.
type Link struct {
	ID        string
	MachineID string
	Send      chan []byte
}

// Links is the registry of machine links and the websocket Pusher.
type Links struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewLinks creates an empty registry.
func NewLinks() *Links {
	return &Links{links: make(map[string]*Link)}
}

// Attach registers a link for machineID, replacing any previous one. The
// replaced link's queue is closed.
func (l *Links) Attach(machineID string) *Link {
	link := &Link{ID: uuid.New().String(), MachineID: machineID, Send: make(chan []byte, 64)}
	l.mu.Lock()
	if old, ok := l.links[machineID]; ok {
		close(old.Send)
	}
	l.links[machineID] = link
	l.mu.Unlock()
	return link
}

// Detach removes link if it is still the current one for its machine.
func (l *Links) Detach(link *Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.links[link.MachineID]; ok && cur == link {
		delete(l.links, link.MachineID)
		close(link.Send)
	}
}

// Connected reports whether machineID has a live link.
func (l *Links) Connected(machineID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.links[machineID]
	return ok
}

func (l *Links) Channel() domain.Channel { return domain.ChannelWebSocket }

// Push queues the message on the machine's link without blocking.
func (l *Links) Push(_ context.Context, machine *domain.Machine, msg *domain.MachineMessage) error {
	data, err := protocol.Encode(protocol.TypeRelayMessage, msg)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, ok := l.links[machine.ID]
	if !ok {
		return ErrNoRoute
	}
	select {
	case link.Send <- data:
		return nil
	default:
		return errLinkFull
	}
}

var errLinkFull = errors.New("link send buffer full")

// Package relay routes messages between machines. Every message is written
// to the durable log before any push is attempted, so polling is always a
// correct fallback and push is only an optimization.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/repository"
)

// HubMachineID is the sender id of messages originated by the hub itself.
const HubMachineID = "hub"

// Options tunes a Relay.
type Options struct {
	// Self is the machine id used for messages sent without a sender.
	Self string
	// PushTimeout bounds a single push attempt.
	PushTimeout time.Duration
	// OfflineTimeout is the heartbeat age after which a machine is not pushed to.
	OfflineTimeout time.Duration
}

// Delivery reports how a message reached one recipient.
type Delivery struct {
	MachineID string         `json:"machine_id"`
	Channel   domain.Channel `json:"channel"`
	Pushed    bool           `json:"pushed"`
}

// SendResult is the persisted message plus its per-recipient delivery.
type SendResult struct {
	Message    *domain.MachineMessage `json:"message"`
	Deliveries []Delivery             `json:"deliveries"`
}

// PollResult is a page of messages for one machine and the cursor to pass as
// since on the next poll.
type PollResult struct {
	Messages []domain.MachineMessage `json:"messages"`
	Cursor   int64                   `json:"cursor"`
}

// Relay is the hub-side machine registry and message router.
type Relay struct {
	store   repository.Store
	log     *zap.Logger
	opts    Options
	pushers map[domain.Channel]Pusher
	now     func() time.Time
}

// New creates a relay over the shared store. Pushers are tried in the order
// of each machine's registered channels.
func New(store repository.Store, log *zap.Logger, opts Options, pushers ...Pusher) *Relay {
	if opts.Self == "" {
		opts.Self = HubMachineID
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = 2 * time.Minute
	}
	r := &Relay{
		store:   store,
		log:     log.Named("relay"),
		opts:    opts,
		pushers: make(map[domain.Channel]Pusher),
		now:     time.Now,
	}
	for _, p := range pushers {
		r.pushers[p.Channel()] = p
	}
	return r
}

// RegisterMachine upserts a machine by id. Without an id, a machine already
// registered under the same hostname keeps its id; otherwise one is assigned.
func (r *Relay) RegisterMachine(ctx context.Context, desc *domain.MachineDescriptor) (*domain.Machine, error) {
	if desc.ID == "" && desc.Hostname == "" {
		return nil, fmt.Errorf("%w: id or hostname is required", domain.ErrInvalidArgument)
	}
	for _, ch := range desc.Channels {
		if !ch.Valid() {
			return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidArgument, ch)
		}
	}

	var existing *domain.Machine
	var err error
	if desc.ID != "" {
		existing, err = r.store.GetMachine(ctx, desc.ID)
	} else {
		existing, err = r.store.GetMachineByHostname(ctx, desc.Hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup machine: %w", err)
	}

	now := r.now()
	m := &domain.Machine{
		ID:           desc.ID,
		Name:         desc.Name,
		Hostname:     desc.Hostname,
		Address:      desc.Address,
		Status:       domain.MachineStatusOnline,
		Channels:     desc.Channels,
		LastSeen:     now,
		Capabilities: desc.Capabilities,
		CreatedAt:    now,
	}
	if existing != nil {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		if m.Hostname == "" {
			m.Hostname = existing.Hostname
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Name == "" {
		m.Name = m.Hostname
	}
	if len(m.Channels) == 0 {
		m.Channels = []domain.Channel{domain.ChannelPoll}
	}

	if err := r.store.UpsertMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("register machine: %w", err)
	}
	r.log.Info("machine registered",
		zap.String("machine_id", m.ID),
		zap.String("hostname", m.Hostname),
		zap.Any("channels", m.Channels))
	return m, nil
}

// ListMachines returns every known machine with its effective status.
func (r *Relay) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	machines, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for i := range machines {
		machines[i].Status = machines[i].EffectiveStatus(now, r.opts.OfflineTimeout)
	}
	return machines, nil
}

// Send persists a message and then attempts live delivery to its recipient,
// or to every known machine except the sender for a broadcast.
func (r *Relay) Send(ctx context.Context, req *domain.SendMessageRequest) (*SendResult, error) {
	if req.To == "" {
		return nil, fmt.Errorf("%w: to is required", domain.ErrInvalidArgument)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArgument)
	}
	typ := req.Type
	if typ == "" {
		typ = domain.MessageTypeChat
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidArgument, typ)
	}
	if req.Channel != "" && !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidArgument, req.Channel)
	}

	msg := &domain.MachineMessage{
		ID:        req.ID,
		FromID:    req.From,
		ToID:      req.To,
		Channel:   req.Channel,
		Type:      typ,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: r.now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.FromID == "" {
		msg.FromID = r.opts.Self
	}
	if msg.Channel == "" {
		msg.Channel = domain.ChannelPoll
	}

	inserted, err := r.persist(ctx, msg)
	if err != nil {
		return nil, err
	}
	result := &SendResult{Message: msg}
	if inserted {
		result.Deliveries = r.deliver(ctx, msg, req.Channel)
	}
	return result, nil
}

// HandleIncoming stores a message pushed by a remote machine exactly like a
// local send. Messages addressed to another machine are forwarded; a message
// id seen before is stored and forwarded only once.
func (r *Relay) HandleIncoming(ctx context.Context, msg *domain.MachineMessage) (*SendResult, error) {
	if msg.FromID == "" || msg.ToID == "" {
		return nil, fmt.Errorf("%w: from_machine_id and to_machine_id are required", domain.ErrInvalidArgument)
	}
	if msg.Content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArgument)
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeChat
	}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidArgument, msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Channel == "" {
		msg.Channel = domain.ChannelHTTP
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.Read = false

	inserted, err := r.persist(ctx, msg)
	if err != nil {
		return nil, err
	}
	result := &SendResult{Message: msg}
	if inserted && msg.ToID != r.opts.Self {
		result.Deliveries = r.deliver(ctx, msg, "")
	}
	return result, nil
}

func (r *Relay) persist(ctx context.Context, msg *domain.MachineMessage) (bool, error) {
	if msg.FromName == "" {
		msg.FromName = r.machineName(ctx, msg.FromID)
	}
	if msg.ToName == "" && !msg.IsBroadcast() {
		msg.ToName = r.machineName(ctx, msg.ToID)
	}
	inserted, err := r.store.CreateMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("persist message: %w", err)
	}
	if !inserted {
		r.log.Debug("duplicate message ignored", zap.String("message_id", msg.ID))
	}
	return inserted, nil
}

func (r *Relay) machineName(ctx context.Context, machineID string) string {
	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil || m == nil {
		return ""
	}
	return m.Name
}

// deliver fans a persisted message out to its recipients. Recipients are
// resolved now, so a broadcast reaches the machines known at delivery time.
func (r *Relay) deliver(ctx context.Context, msg *domain.MachineMessage, preferred domain.Channel) []Delivery {
	var targets []domain.Machine
	if msg.IsBroadcast() {
		machines, err := r.store.ListMachines(ctx)
		if err != nil {
			r.log.Warn("list machines for broadcast failed", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		for _, m := range machines {
			if m.ID != msg.FromID {
				targets = append(targets, m)
			}
		}
	} else {
		m, err := r.store.GetMachine(ctx, msg.ToID)
		if err != nil {
			r.log.Warn("lookup recipient failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		if m == nil {
			metrics.RelayMessages.WithLabelValues(string(domain.ChannelPoll), "queued").Inc()
			return []Delivery{{MachineID: msg.ToID, Channel: domain.ChannelPoll}}
		}
		targets = []domain.Machine{*m}
	}

	deliveries := make([]Delivery, 0, len(targets))
	for i := range targets {
		deliveries = append(deliveries, r.deliverTo(ctx, &targets[i], msg, preferred))
	}
	return deliveries
}

func (r *Relay) deliverTo(ctx context.Context, m *domain.Machine, msg *domain.MachineMessage, preferred domain.Channel) Delivery {
	queued := Delivery{MachineID: m.ID, Channel: domain.ChannelPoll}
	if m.EffectiveStatus(r.now(), r.opts.OfflineTimeout) != domain.MachineStatusOnline {
		metrics.RelayMessages.WithLabelValues(string(domain.ChannelPoll), "queued").Inc()
		return queued
	}

	channels := m.Channels
	if preferred != "" && preferred != domain.ChannelPoll {
		channels = []domain.Channel{preferred}
	}
	for _, ch := range channels {
		p, ok := r.pushers[ch]
		if !ok {
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, r.opts.PushTimeout)
		err := p.Push(pushCtx, m, msg)
		cancel()
		if err == nil {
			metrics.RelayMessages.WithLabelValues(string(ch), "pushed").Inc()
			return Delivery{MachineID: m.ID, Channel: ch, Pushed: true}
		}
		metrics.RelayMessages.WithLabelValues(string(ch), "failed").Inc()
		r.log.Warn("push failed, falling back",
			zap.String("message_id", msg.ID),
			zap.String("machine_id", m.ID),
			zap.String("channel", string(ch)),
			zap.Error(err))
	}
	metrics.RelayMessages.WithLabelValues(string(domain.ChannelPoll), "queued").Inc()
	return queued
}

// GetMessages returns persisted history.
func (r *Relay) GetMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MachineMessage, error) {
	return r.store.ListMessages(ctx, filter)
}

// Poll returns messages for machineID after the since cursor, excluding
// broadcasts the machine sent itself.
func (r *Relay) Poll(ctx context.Context, machineID string, since int64, limit int) (*PollResult, error) {
	if machineID == "" {
		return nil, fmt.Errorf("%w: machine id is required", domain.ErrInvalidArgument)
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: since must not be negative", domain.ErrInvalidArgument)
	}
	messages, err := r.store.ListMessages(ctx, domain.MessageFilter{
		To:          machineID,
		ExcludeFrom: machineID,
		AfterSeq:    since,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	result := &PollResult{Messages: messages, Cursor: since}
	if n := len(messages); n > 0 {
		result.Cursor = messages[n-1].Seq
	}
	if result.Messages == nil {
		result.Messages = []domain.MachineMessage{}
	}
	return result, nil
}

// MarkRead flips the read flag on messages addressed to machineID.
func (r *Relay) MarkRead(ctx context.Context, machineID string, messageIDs []string) (int64, error) {
	if machineID == "" {
		return 0, fmt.Errorf("%w: machine id is required", domain.ErrInvalidArgument)
	}
	return r.store.MarkMessagesRead(ctx, machineID, messageIDs)
}

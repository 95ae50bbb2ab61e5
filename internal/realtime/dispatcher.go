package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultDispatchWorkers   = 4
	defaultDispatchQueueSize = 256
	defaultLookupTimeout     = 5 * time.Second

	deliveryResultSent   = "sent"
	deliveryResultFailed = "failed"
)

var (
	errMissingRegistry   = errors.New("registry is required")
	errMissingMembership = errors.New("membership oracle is required")
	errMissingHistory    = errors.New("event log is required")
)

// DispatcherConfig wires the fan-out dispatcher.
type DispatcherConfig struct {
	Registry      *Registry
	Membership    MembershipOracle
	History       messages.EventLog
	Logger        *zap.Logger
	Workers       int
	QueueSize     int
	CatchupSize   int
	LookupTimeout time.Duration
}

// Dispatcher delivers committed events to the online members of a conversation. Events
// are queued and drained by a fixed worker pool; a full queue drops the event.
type Dispatcher struct {
	registry      *Registry
	oracle        MembershipOracle
	history       messages.EventLog
	logger        *zap.Logger
	queue         chan messages.Event
	workers       int
	catchupSize   int
	lookupTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	Delivered int
	Failed    int
}

// NewDispatcher validates the configuration.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Membership == nil {
		return nil, errMissingMembership
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDispatchQueueSize
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	return &Dispatcher{
		registry:      cfg.Registry,
		oracle:        cfg.Membership,
		history:       cfg.History,
		logger:        logger,
		queue:         make(chan messages.Event, queueSize),
		workers:       workers,
		catchupSize:   cfg.CatchupSize,
		lookupTimeout: lookupTimeout,
		stopped:       make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Stop signals the workers and waits for them. Queued events are discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()
}

// Notify enqueues an event for fan-out without blocking the caller.
func (d *Dispatcher) Notify(event messages.Event) {
	if event == nil {
		return
	}
	select {
	case <-d.stopped:
		metrics.FanoutDropped.Inc()
		return
	default:
	}
	select {
	case d.queue <- event:
	default:
		metrics.FanoutDropped.Inc()
		header := event.Header()
		d.logger.Warn("dispatch queue full, dropping event",
			zap.String("conversation_id", header.ConversationID),
			zap.String("event_id", header.EventID),
		)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case event := <-d.queue:
			d.Deliver(ctx, event)
		}
	}
}

// Deliver fans one event out synchronously. A tombstone reaches only its deleter; any
// other event reaches every active member with a session joined to the conversation.
// A failing recipient never prevents delivery to the others.
func (d *Dispatcher) Deliver(ctx context.Context, event messages.Event) DeliveryReport {
	var report DeliveryReport
	envelope, err := envelopeForEvent(event)
	if err != nil {
		d.logger.Error("failed to encode realtime event", zap.Error(err))
		return report
	}

	if tombstone, ok := event.(messages.Tombstone); ok {
		session, joined := d.registry.Online(tombstone.ConversationID)[tombstone.Meta.DeleterID]
		if joined {
			d.send(session, envelope, &report)
		}
		return report
	}

	conversationID := event.Header().ConversationID
	recipients, err := d.recipients(ctx, conversationID)
	if err != nil {
		d.logger.Error("failed to resolve fan-out recipients",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return report
	}
	for _, session := range recipients {
		d.send(session, envelope, &report)
	}
	return report
}

// Catchup pushes the most recent messages of a conversation to one session.
func (d *Dispatcher) Catchup(ctx context.Context, session *Session, conversationID string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	defer cancel()
	recent, err := messages.Catchup(lookupCtx, d.history, conversationID, session.UserID, d.catchupSize)
	if err != nil {
		d.logger.Error("failed to load catch-up history",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", session.UserID),
			zap.Error(err),
		)
		return err
	}
	envelope, err := NewEnvelope(EventHistoryCatchup, conversationID, catchupPayload{Messages: messages.WireMessages(recent)})
	if err != nil {
		return err
	}
	var report DeliveryReport
	d.send(session, envelope, &report)
	if report.Failed > 0 {
		return ErrSendBufferFull
	}
	return nil
}

// AnnouncePresence tells the other joined sessions of a conversation that userID
// joined or left.
func (d *Dispatcher) AnnouncePresence(ctx context.Context, conversationID, userID, event string) DeliveryReport {
	var report DeliveryReport
	envelope, err := NewEnvelope(event, conversationID, presencePayload{UserID: userID})
	if err != nil {
		return report
	}
	recipients, err := d.recipients(ctx, conversationID)
	if err != nil {
		d.logger.Warn("failed to resolve presence recipients",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return report
	}
	for recipientID, session := range recipients {
		if recipientID == userID {
			continue
		}
		d.send(session, envelope, &report)
	}
	return report
}

// PublishConversation pushes a metadata change to every joined member.
func (d *Dispatcher) PublishConversation(ctx context.Context, conversation membership.Conversation) DeliveryReport {
	var report DeliveryReport
	envelope, err := NewEnvelope(EventConversationUpdated, conversation.ID, conversation)
	if err != nil {
		return report
	}
	recipients, err := d.recipients(ctx, conversation.ID)
	if err != nil {
		d.logger.Warn("failed to resolve conversation update recipients",
			zap.String("conversation_id", conversation.ID),
			zap.Error(err),
		)
		return report
	}
	for _, session := range recipients {
		d.send(session, envelope, &report)
	}
	return report
}

// recipients intersects the active member list with the joined sessions.
func (d *Dispatcher) recipients(ctx context.Context, conversationID string) (map[string]*Session, error) {
	online := d.registry.Online(conversationID)
	if len(online) == 0 {
		return online, nil
	}
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.lookupTimeout)
	defer cancel()
	members, err := d.oracle.ActiveMembers(lookupCtx, conversationID)
	if err != nil {
		return nil, err
	}
	recipients := make(map[string]*Session, len(online))
	for _, member := range members {
		if session, ok := online[member.UserID]; ok {
			recipients[member.UserID] = session
		}
	}
	return recipients, nil
}

func (d *Dispatcher) send(session *Session, envelope Envelope, report *DeliveryReport) {
	if err := session.Send(envelope); err != nil {
		report.Failed++
		metrics.FanoutDeliveries.WithLabelValues(envelope.Event, deliveryResultFailed).Inc()
		d.logger.Warn("realtime delivery failed",
			zap.String("event", envelope.Event),
			zap.String("conversation_id", envelope.ConversationID),
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return
	}
	report.Delivered++
	metrics.FanoutDeliveries.WithLabelValues(envelope.Event, deliveryResultSent).Inc()
}

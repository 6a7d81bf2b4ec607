package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventReferralAttributed = "referral-attributed"
	realtimeEventHeartbeat          = "heartbeat"
	realtimeSourceBackend           = "referrals-backend"
)

// RealtimeMessage notifies a referrer that one of their codes was just used.
type RealtimeMessage struct {
	AccountID  string
	EventType  string
	ReferredID string
	CodeUsed   string
	Timestamp  time.Time
}

// RealtimeDispatcher fans messages out to the live streams of one account. Slow subscribers drop messages.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, accountID string) (<-chan RealtimeMessage, func()) {
	if accountID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(accountID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(accountID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.AccountID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.AccountID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers reports the number of live streams for accountID.
func (d *RealtimeDispatcher) Subscribers(accountID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[accountID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(accountID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[accountID]; !ok {
		d.subscribers[accountID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[accountID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(accountID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[accountID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, accountID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) publishAttribution(edge referrals.AttributionEdge) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		AccountID:  edge.ReferrerID,
		EventType:  RealtimeEventReferralAttributed,
		ReferredID: edge.ReferredID,
		CodeUsed:   edge.CodeUsed,
		Timestamp:  edge.CreatedAt.UTC(),
	})
}

// handleStream serves referral events for the caller as server-sent events.
func (h *httpHandler) handleStream(c *gin.Context) {
	accountID, ok := h.resolveAccount(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, accountID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("referral stream opened", zap.String("account_id", accountID))
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"referredId": message.ReferredID,
				"code":       message.CodeUsed,
				"timestamp":  message.Timestamp.Format(time.RFC3339),
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": tick.UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/igorsilveira/switchboard/pkg/conversation"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 5 * time.Second
)

type subscriber struct {
	conversationID string
	ch             chan conversation.Event
}

// Feed fans conversation events out to websocket subscribers. A subscriber
// may restrict itself to one conversation. Publish never blocks: events are
// dropped for subscribers that fall behind.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]subscriber
	logger *slog.Logger
}

var _ conversation.EventSink = (*Feed)(nil)

func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subs:   make(map[string]subscriber),
		logger: logger.With("component", "feed"),
	}
}

// Subscribe registers for events of conversationID, or of every conversation
// when it is empty. The subscription ends when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, conversationID string) (<-chan conversation.Event, string) {
	id := uuid.NewString()
	ch := make(chan conversation.Event, subscriberBuffer)

	f.mu.Lock()
	f.subs[id] = subscriber{conversationID: conversationID, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.Unsubscribe(id)
	}()
	return ch, id
}

func (f *Feed) Publish(ev conversation.Event) {
	convID := ev.Content.ConversationID()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, s := range f.subs {
		if s.conversationID != "" && s.conversationID != convID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			f.logger.Debug("dropped event for slow subscriber", slog.String("sub_id", id), slog.String("event_id", ev.ID))
		}
	}
}

func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(s.ch)
	}
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		close(s.ch)
		delete(f.subs, id)
	}
}

type wsOutgoing struct {
	Type           string              `json:"type"`
	SubscriptionID string              `json:"subscription_id,omitempty"`
	Event          *conversation.Event `json:"event,omitempty"`
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	telemetry.Metrics.WSConnections.Inc()
	defer telemetry.Metrics.WSConnections.Dec()

	// the feed is write-only; CloseRead handles control frames and cancels
	// ctx once the client goes away
	ctx := conn.CloseRead(r.Context())
	convID := r.URL.Query().Get("conversation_id")
	events, subID := g.feed.Subscribe(ctx, convID)

	g.logger.Info("feed client connected", slog.String("sub_id", subID), slog.String("conversation_id", convID))
	if err := g.writeFrame(ctx, conn, wsOutgoing{Type: "subscribed", SubscriptionID: subID}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := g.writeFrame(ctx, conn, wsOutgoing{Type: "event", Event: &ev}); err != nil {
				g.logger.Debug("feed write failed", slog.String("sub_id", subID), slog.String("err", err.Error()))
				return
			}
		case <-ctx.Done():
			g.logger.Info("feed client disconnected", slog.String("sub_id", subID))
			return
		}
	}
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, v wsOutgoing) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

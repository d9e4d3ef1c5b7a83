package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

// Subscriber receives change notifications from a relay. It implements
// remote.Subscriber and reconnects with backoff until unsubscribed.
type Subscriber struct {
	URL         string
	Collections []string
	Header      http.Header
	Dialer      *websocket.Dialer
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	log *logging.Logger
}

// NewSubscriber creates a Subscriber for the relay at url.
func NewSubscriber(url string, collections ...string) *Subscriber {
	return &Subscriber{
		URL:         url,
		Collections: collections,
		Dialer:      websocket.DefaultDialer,
		MinBackoff:  500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		log:         logging.Get().With(map[string]interface{}{"component": "relay.subscriber"}),
	}
}

// Subscribe dials the relay and calls fn for every change. The first dial
// must succeed; later disconnections are retried and reported to fn as a
// zero Change once the connection is back.
func (s *Subscriber) Subscribe(ctx context.Context, fn func(remote.Change)) (func(), error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		backoff := s.MinBackoff
		for {
			s.read(ctx, conn, fn)
			conn.Close()
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, err = s.dial(ctx)
				if err == nil {
					backoff = s.MinBackoff
					fn(remote.Change{})
					break
				}
				s.log.Debug("relay reconnect failed", map[string]interface{}{"error": err.Error()})
				backoff *= 2
				if backoff > s.MaxBackoff {
					backoff = s.MaxBackoff
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to reach relay", err)
	}
	if len(s.Collections) > 0 {
		msg, _ := json.Marshal(request{Action: "subscribe", Collections: s.Collections})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to subscribe", err)
		}
	}
	return conn, nil
}

// read delivers changes until the connection fails or ctx is cancelled.
func (s *Subscriber) read(ctx context.Context, conn *websocket.Conn, fn func(remote.Change)) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Type == TypeChange && env.Change != nil {
			fn(*env.Change)
		}
	}
}

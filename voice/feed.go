package voice

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const progressEvent = "labs_status_updated"

type feedMessage struct {
	Type    string `json:"type"`
	Payload struct {
		TaskID  string  `json:"task_id"`
		Percent float64 `json:"process_percentage"`
	} `json:"payload"`
}

// ProgressFeed listens on the provider's websocket for task progress and
// signals watchers when a task reaches 100%. Polling stays the source of
// truth; the feed only shortens the waits between polls.
type ProgressFeed struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu       sync.Mutex
	watchers map[string]chan struct{}
	finished map[string]bool
	done     chan struct{}
}

// DialFeed connects to rawURL with the token as a query parameter.
func DialFeed(ctx context.Context, rawURL, token string, logger *zap.Logger) (*ProgressFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	f := &ProgressFeed{
		conn:     conn,
		log:      logger.Named("feed"),
		watchers: map[string]chan struct{}{},
		finished: map[string]bool{},
		done:     make(chan struct{}),
	}
	go f.readLoop()
	f.log.Info("[tts] 🔌 progress feed connected", zap.String("host", u.Host))
	return f, nil
}

func (f *ProgressFeed) readLoop() {
	defer close(f.done)
	for {
		var msg feedMessage
		if err := f.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Debug("[tts] progress feed closed", zap.Error(err))
			}
			return
		}
		if msg.Type != progressEvent || msg.Payload.TaskID == "" || msg.Payload.Percent < 100 {
			continue
		}
		f.complete(msg.Payload.TaskID)
	}
}

func (f *ProgressFeed) complete(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished[taskID] {
		return
	}
	f.finished[taskID] = true
	if ch, ok := f.watchers[taskID]; ok {
		close(ch)
	}
	f.log.Info("[tts] 🚀 feed reports task done", zap.String("task", taskID))
}

// Watch returns a channel that is closed once taskID reaches 100%. A task
// that already finished yields a closed channel.
func (f *ProgressFeed) Watch(taskID string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.watchers[taskID]; ok {
		return ch
	}
	ch := make(chan struct{})
	if f.finished[taskID] {
		close(ch)
	}
	f.watchers[taskID] = ch
	return ch
}

// Forget drops the bookkeeping for taskID.
func (f *ProgressFeed) Forget(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers, taskID)
	delete(f.finished, taskID)
}

// Close shuts the connection and waits for the reader to stop.
func (f *ProgressFeed) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.conn.WriteMessage(websocket.CloseMessage, msg)
	err := f.conn.Close()
	<-f.done
	return err
}

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/storage"
	"github.com/exnus/points-miner/internal/util"
)

// Stream message types
const (
	EventStats           = "stats"
	EventTaskCompleted   = "task_completed"
	EventMiningActivated = "mining_activated"
	EventRewardClaimed   = "reward_claimed"
	EventReferralBonus   = "referral_bonus"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
)

// StreamMessage is one frame pushed to stream clients
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time int64       `json:"time"`
}

// streamClient is one websocket subscriber. Address is empty for anonymous viewers.
type streamClient struct {
	ID          string
	Conn        *websocket.Conn
	Address     string
	RemoteAddr  string
	ConnectedAt time.Time

	send chan StreamMessage
	quit chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.quit)
		c.Conn.Close()
	})
}

// Hub fans mining events and periodic stats out to websocket clients.
// It implements mining.Observer.
type Hub struct {
	upgrader websocket.Upgrader
	interval time.Duration
	stats    func(ctx context.Context) (*mining.Stats, error)
	clients  sync.Map // client ID -> *streamClient

	// mu orders client registration against Stop
	mu      sync.Mutex
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

var _ mining.Observer = (*Hub)(nil)

// NewHub creates a hub that pushes stats every interval
func NewHub(interval time.Duration, origins []string, stats func(ctx context.Context) (*mining.Stats, error)) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		interval: interval,
		stats:    stats,
		quit:     make(chan struct{}),
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowedOrigin(origins, origin)
		return ok
	}
}

// Start begins the periodic stats push
func (h *Hub) Start() {
	if h.interval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.wg.Add(1)
	go h.statsLoop()
}

// Stop disconnects every client and waits for the hub goroutines
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.quit)
	}
	h.mu.Unlock()

	h.clients.Range(func(_, value interface{}) bool {
		value.(*streamClient).close()
		return true
	})

	h.wg.Wait()
}

func (h *Hub) statsLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			stats, err := h.stats(ctx)
			cancel()
			if err != nil {
				util.Warnf("Stream stats refresh failed: %v", err)
				continue
			}
			h.broadcast(StreamMessage{Type: EventStats, Data: stats})
		}
	}
}

// Serve upgrades the request and registers the client. address may be empty.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, address, remoteAddr string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &streamClient{
		ID:          uuid.NewString(),
		Conn:        conn,
		Address:     address,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		send:        make(chan StreamMessage, sendBuffer),
		quit:        make(chan struct{}),
	}

	if !h.register(client) {
		client.close()
		return
	}
	util.Debugf("Stream client %s connected from %s", client.ID, remoteAddr)

	go h.writeLoop(client)
	go h.readLoop(client)
}

// register adds client unless the hub is stopped. A registered client is
// always seen by the Stop sweep and counted in wg before Stop waits.
func (h *Hub) register(client *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients.Store(client.ID, client)
	h.wg.Add(2)
	return true
}

// readLoop discards client frames and detects disconnects
func (h *Hub) readLoop(client *streamClient) {
	defer h.wg.Done()
	defer func() {
		h.clients.Delete(client.ID)
		client.close()
		util.Debugf("Stream client %s disconnected", client.ID)
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(client *streamClient) {
	defer h.wg.Done()

	for {
		select {
		case <-client.quit:
			return
		case msg := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteJSON(msg); err != nil {
				util.Debugf("Stream write error for client %s: %v", client.ID, err)
				client.close()
				return
			}
		}
	}
}

// enqueue never blocks. Slow clients lose messages.
func (h *Hub) enqueue(client *streamClient, msg StreamMessage) {
	select {
	case client.send <- msg:
	case <-client.quit:
	default:
		util.Debugf("Stream client %s is slow, dropping %s", client.ID, msg.Type)
	}
}

func (h *Hub) broadcast(msg StreamMessage) {
	msg.Time = time.Now().UnixMilli()
	h.clients.Range(func(_, value interface{}) bool {
		h.enqueue(value.(*streamClient), msg)
		return true
	})
}

// sendTo delivers msg to the clients subscribed to address
func (h *Hub) sendTo(address string, msg StreamMessage) {
	msg.Time = time.Now().UnixMilli()
	h.clients.Range(func(_, value interface{}) bool {
		client := value.(*streamClient)
		if client.Address == address {
			h.enqueue(client, msg)
		}
		return true
	})
}

// ClientCount returns number of connected clients
func (h *Hub) ClientCount() int {
	count := 0
	h.clients.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (h *Hub) TaskCompleted(address string, task storage.TaskID) {
	h.sendTo(address, StreamMessage{Type: EventTaskCompleted, Data: map[string]string{"task": string(task)}})
}

func (h *Hub) MiningActivated(u *storage.User) {
	h.sendTo(u.WalletAddress, StreamMessage{Type: EventMiningActivated, Data: u})
}

func (h *Hub) RewardClaimed(u *storage.User, reward int64) {
	h.sendTo(u.WalletAddress, StreamMessage{Type: EventRewardClaimed, Data: map[string]int64{
		"reward":     reward,
		"newBalance": u.Points,
	}})
}

func (h *Hub) ReferralBonusPaid(referrer, referred string, bonus int64) {
	h.sendTo(referrer, StreamMessage{Type: EventReferralBonus, Data: map[string]interface{}{
		"referred": util.ShortAddress(referred),
		"bonus":    bonus,
	}})
}

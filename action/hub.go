package action

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	sendBuffer      = 64
	maxMessageSize  = 64 << 10
	shutdownTimeout = 10 * time.Second
)

type hubClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	version string
	url     string
	closed  bool
	once    sync.Once
}

// Hub is the WebSocket endpoint application instances connect to. It tracks which version
// controls each instance and which page it shows, forwards published actions to all of them
// and routes incoming messages (SKIP_WAITING) to the bus.
type Hub struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	metrics  types.MetricsManager
	config   *types.ControlConfig
	bus      *Bus
	upgrader websocket.Upgrader
	clients  map[*hubClient]struct{}
	mu       sync.RWMutex
	server   *http.Server
	addr     string
	wg       sync.WaitGroup
	state    atomic.Value
}

func NewHub(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, bus *Bus) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)

	controlConfig := *config.GetConfig().Control
	if controlConfig.PingInterval <= 0 {
		controlConfig.PingInterval = 54 * time.Second
	}
	if controlConfig.PongWait <= 0 {
		controlConfig.PongWait = 60 * time.Second
	}
	if controlConfig.WriteWait <= 0 {
		controlConfig.WriteWait = 10 * time.Second
	}

	h := &Hub{
		ctx:     hubCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  &controlConfig,
		bus:     bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}

	h.state.Store(StateStopped)
	return h
}

// Start opens the control listener when enabled. A disabled hub still counts clients attached
// through ServeHTTP by an embedding server.
func (h *Hub) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if h.getState() == StateStarting {
			h.setState(StateRunning)
		}
	}()

	if !h.config.Enabled {
		h.logger.Info("Control hub listener disabled")
		return nil
	}

	address := net.JoinHostPort(h.config.Host, strconv.Itoa(h.config.Port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "control listener %s: %v", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(h.path(), h)

	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: h.config.WriteWait,
	}
	h.addr = ln.Addr().String()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Control hub listener failed", zap.Error(err))
		}
	}()

	h.logger.Info("Control hub started", zap.String("address", h.addr), zap.String("path", h.path()))
	return nil
}

func (h *Hub) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			h.logger.Error("Control hub shutdown failed", zap.Error(err))
		}
	}

	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.logger.Info("Control hub stopped gracefully")
	return nil
}

func (h *Hub) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound listener address, empty when the listener is disabled.
func (h *Hub) Addr() string {
	return h.addr
}

// ServeHTTP upgrades the request. The controlling version and the page URL are read from the
// version and url query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		http.Error(w, "hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		version: r.URL.Query().Get("version"),
		url:     r.URL.Query().Get("url"),
	}

	h.register(c)

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// Deliver queues message for every connected client. A client whose buffer is full is disconnected.
func (h *Hub) Deliver(message *types.ActionMessage) error {
	data, err := utils.Marshal(message)
	if err != nil {
		return types.WrapError(err, "failed to marshal action message")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.closed {
			continue
		}

		select {
		case c.send <- data:
		default:
			h.logger.Warn("Client send buffer full, closing", zap.String("client", c.id))
			c.close()
		}
	}

	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// CountControlledByOthers counts clients that announced a version different from version.
// Clients without a version are not controlled by anyone.
func (h *Hub) CountControlledByOthers(version string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients {
		if c.version != "" && c.version != version {
			n++
		}
	}
	return n
}

// Claim makes version the controller of every connected client.
func (h *Hub) Claim(version string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.version = version
	}
	return len(h.clients)
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.clientsGauge(total)
	h.logger.Debug("Client connected", zap.String("client", c.id), zap.String("version", c.version))

	h.bus.Dispatch(&types.ActionMessage{
		Action:    types.ActionClientConnected,
		Payload:   map[string]string{"client": c.id, "version": c.version},
		Timestamp: time.Now(),
		Source:    c.id,
	})
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	c.close()
	h.mu.Unlock()

	if !ok {
		return
	}

	h.clientsGauge(total)
	h.logger.Debug("Client closed", zap.String("client", c.id))

	h.bus.Dispatch(&types.ActionMessage{
		Action:    types.ActionClientClosed,
		Payload:   map[string]string{"client": c.id},
		Timestamp: time.Now(),
		Source:    c.id,
	})
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket connection closed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var message types.ActionMessage
		if err := utils.Unmarshal(data, &message); err != nil || message.Action == "" {
			h.logger.Warn("Ignoring malformed client message", zap.String("client", c.id))
			continue
		}

		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}
		message.Source = c.id

		switch message.Action {
		case types.ActionClientNavigated:
			h.navigated(c, payloadURL(message.Payload))
		case types.ActionNotificationClick:
			h.notificationClick(payloadURL(message.Payload))
		}

		h.bus.Dispatch(&message)
	}
}

func (h *Hub) navigated(c *hubClient, url string) {
	h.mu.Lock()
	c.url = url
	h.mu.Unlock()
}

// notificationClick focuses the client already showing url. When none does, a window.open
// request is published for the host to act on.
func (h *Hub) notificationClick(url string) {
	if url == "" {
		url = "/"
	}

	focus := &types.ActionMessage{
		Action:    types.ActionWindowFocus,
		Payload:   map[string]string{"url": url},
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}
	data, err := utils.Marshal(focus)
	if err != nil {
		h.logger.Error("Failed to marshal focus request", zap.Error(err))
		return
	}

	if id, ok := h.sendToURL(url, data); ok {
		h.logger.Debug("Notification click focused client", zap.String("client", id), zap.String("url", url))
		return
	}

	if err := h.bus.Publish(types.ActionWindowOpen, map[string]string{"url": url}); err != nil {
		h.logger.Warn("Failed to request a new window", zap.String("url", url), zap.Error(err))
	}
}

func (h *Hub) sendToURL(url string, data []byte) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.closed || c.url != url {
			continue
		}

		select {
		case c.send <- data:
			return c.id, true
		default:
			h.logger.Warn("Client send buffer full, closing", zap.String("client", c.id))
			c.close()
		}
	}
	return "", false
}

func payloadURL(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]interface{}:
		url, _ := p["url"].(string)
		return url
	}
	return ""
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case <-h.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(h.config.WriteWait))
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Write to client failed", zap.String("client", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		c.closed = true
		close(c.send)
	})
}

func (h *Hub) path() string {
	if h.config.Path == "" {
		return "/ws"
	}
	return h.config.Path
}

func (h *Hub) clientsGauge(total int) {
	if h.metrics == nil {
		return
	}
	h.metrics.Gauge("control_clients", map[string]string{}).Set(float64(total))
}

func (h *Hub) getState() State {
	return h.state.Load().(State)
}

func (h *Hub) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *Hub) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

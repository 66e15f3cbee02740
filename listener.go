package p2p

import (
	"sync"
)

// NetworkListener receives networking events from a Backend.
// Calls arrive on a single goroutine, in the order the events happened.
type NetworkListener interface {
	// OnNetworkEnabled is called when p2p networking has been turned on
	OnNetworkEnabled()
	// OnNetworkDisabled is called when p2p networking has been turned off
	OnNetworkDisabled()
	// OnConnectionCountChanged is called when the number of connected peers changes
	OnConnectionCountChanged(numConnections int32)
	// OnBytesChanged reports the running totals of data received and sent
	OnBytesChanged(totalRecv, totalSent uint64)
}

// ListenerFuncs adapts plain functions to NetworkListener. Nil fields are skipped.
type ListenerFuncs struct {
	NetworkEnabled         func()
	NetworkDisabled        func()
	ConnectionCountChanged func(numConnections int32)
	BytesChanged           func(totalRecv, totalSent uint64)
}

func (f ListenerFuncs) OnNetworkEnabled() {
	if f.NetworkEnabled != nil {
		f.NetworkEnabled()
	}
}

func (f ListenerFuncs) OnNetworkDisabled() {
	if f.NetworkDisabled != nil {
		f.NetworkDisabled()
	}
}

func (f ListenerFuncs) OnConnectionCountChanged(numConnections int32) {
	if f.ConnectionCountChanged != nil {
		f.ConnectionCountChanged(numConnections)
	}
}

func (f ListenerFuncs) OnBytesChanged(totalRecv, totalSent uint64) {
	if f.BytesChanged != nil {
		f.BytesChanged(totalRecv, totalSent)
	}
}

// MultiListener forwards every event to each listener in order.
type MultiListener []NetworkListener

func (m MultiListener) OnNetworkEnabled() {
	for _, l := range m {
		l.OnNetworkEnabled()
	}
}

func (m MultiListener) OnNetworkDisabled() {
	for _, l := range m {
		l.OnNetworkDisabled()
	}
}

func (m MultiListener) OnConnectionCountChanged(numConnections int32) {
	for _, l := range m {
		l.OnConnectionCountChanged(numConnections)
	}
}

func (m MultiListener) OnBytesChanged(totalRecv, totalSent uint64) {
	for _, l := range m {
		l.OnBytesChanged(totalRecv, totalSent)
	}
}

const listenerQueueSize = 256

// listenerHub owns the single listener slot of a node and delivers events to it
// from one goroutine so that a slow listener never blocks the libp2p swarm.
type listenerHub struct {
	mu       sync.RWMutex
	listener NetworkListener

	logger Logger
	queue  chan func(NetworkListener)
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newListenerHub(logger Logger) *listenerHub {
	h := &listenerHub{
		logger: logger,
		queue:  make(chan func(NetworkListener), listenerQueueSize),
		done:   make(chan struct{}),
	}

	h.wg.Add(1)

	go h.run()

	return h
}

// set replaces the listener; last write wins and nil clears the slot
func (h *listenerHub) set(listener NetworkListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = listener
}

func (h *listenerHub) current() NetworkListener {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.listener
}

// emit queues an event. Events are dropped once the hub is closed or the queue is full.
func (h *listenerHub) emit(name string, deliver func(NetworkListener)) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.queue <- deliver:
	case <-h.done:
	default:
		h.logger.Warnf("[Listener] event queue full, dropping %s", name)
	}
}

func (h *listenerHub) run() {
	defer h.wg.Done()

	for {
		select {
		case deliver := <-h.queue:
			h.deliver(deliver)
		case <-h.done:
			// flush whatever was queued before close
			for {
				select {
				case deliver := <-h.queue:
					h.deliver(deliver)
				default:
					return
				}
			}
		}
	}
}

func (h *listenerHub) deliver(deliver func(NetworkListener)) {
	listener := h.current()
	if listener == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("[Listener] listener panicked: %v", r)
		}
	}()

	deliver(listener)
}

func (h *listenerHub) networkActiveChanged(active bool) {
	if active {
		h.emit("network enabled", NetworkListener.OnNetworkEnabled)
		return
	}

	h.emit("network disabled", NetworkListener.OnNetworkDisabled)
}

func (h *listenerHub) connectionCountChanged(n int) {
	h.emit("connection count", func(l NetworkListener) {
		l.OnConnectionCountChanged(int32(n)) //nolint:gosec // peer counts stay far below MaxInt32
	})
}

func (h *listenerHub) bytesChanged(recv, sent uint64) {
	h.emit("bytes changed", func(l NetworkListener) {
		l.OnBytesChanged(recv, sent)
	})
}

func (h *listenerHub) close() {
	h.once.Do(func() {
		close(h.done)
	})
	h.wg.Wait()
}

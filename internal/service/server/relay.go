package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/wire"
	"e2e_relay/internal/relay/connection"
	"e2e_relay/internal/repository/bundle"
	"e2e_relay/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// Devices lists the registered devices of a user. bundle.Repository
	// satisfies it.
	Devices interface {
		Devices(ctx context.Context, userID string) ([]model.DeviceInfo, error)
	}

	// RelayServer is a development relay. It authenticates devices, routes
	// message bundles to every device of the recipient, keeps messages for
	// offline devices and redelivers anything not acknowledged.
	RelayServer struct {
		devices Devices
		queue   Queue
		check   func(userID, token string) bool

		mu    sync.Mutex
		peers map[model.Address]*peer
		conns map[*peer]struct{}
		wg    sync.WaitGroup
	}

	peer struct {
		conn *connection.Manager
		// Set once registered. Guarded by RelayServer.mu.
		addr       model.Address
		registered bool
		inflight   []wire.Message
	}
)

func NewRelayServer(devices Devices, queue Queue, check func(userID, token string) bool) *RelayServer {
	return &RelayServer{
		devices: devices,
		queue:   queue,
		check:   check,
		peers:   make(map[model.Address]*peer),
		conns:   make(map[*peer]struct{}),
	}
}

// Serve accepts relay connections until ctx is done or ln fails.
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, sock)
		}()
	}
}

// WebSocketHandler serves the relay protocol over binary websocket frames.
func (s *RelayServer) WebSocketHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.ServeConn(context.WithoutCancel(r.Context()), connection.NewWebSocketConn(ws))
	}
}

// ServeConn runs one client connection until it is lost.
func (s *RelayServer) ServeConn(ctx context.Context, sock io.ReadWriteCloser) {
	cm := connection.NewManager(connection.DialerFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return sock, nil
	}))
	if err := cm.Connect(ctx); err != nil {
		return
	}
	p := &peer{conn: cm}

	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cm.Disconnect)
	defer stop()

	for ev := range cm.Events() {
		switch ev := ev.(type) {
		case connection.MessageReceived:
			s.handle(ctx, p, ev.Message)
		case connection.Lost:
			s.drop(p)
		}
	}
}

// Close disconnects every client and waits for their connections to end.
func (s *RelayServer) Close() {
	s.mu.Lock()
	conns := make([]*connection.Manager, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	s.wg.Wait()
}

func (s *RelayServer) reply(p *peer, command wire.CommandCode, to, messageID string, content []byte) {
	msg, err := wire.NewServerMessage(command, "", to, messageID, content)
	if err != nil {
		log.Error("building relay reply failed", zap.Stringer("command", command), zap.Error(err))
		return
	}
	if err := p.conn.SendMessage(msg); err != nil {
		log.Warn("relay reply not sent", zap.Stringer("command", command), zap.Error(err))
	}
}

func (s *RelayServer) handle(ctx context.Context, p *peer, msg wire.Message) {
	h := msg.Header

	switch h.Command {
	case wire.ClientPing:
		s.reply(p, wire.ServerPong, "", "", nil)
		return
	case wire.ClientRegisterRequest:
		s.register(ctx, p, h)
		return
	}

	s.mu.Lock()
	registered, addr := p.registered, p.addr
	s.mu.Unlock()
	if !registered {
		s.reply(p, wire.ServerRegisterRequest, "", h.MessageID, nil)
		return
	}

	switch h.Command {
	case wire.ClientCheckValidity:
		s.reply(p, wire.ServerIDValid, "", "", nil)
	case wire.ClientSendMessage:
		s.route(ctx, p, addr, msg)
	case wire.ClientReceivedMessage:
		id := string(msg.Content)
		s.mu.Lock()
		p.inflight = slices.DeleteFunc(p.inflight, func(m wire.Message) bool { return m.Header.MessageID == id })
		s.mu.Unlock()
	default:
		log.Debug("ignoring relay command", zap.Stringer("command", h.Command), zap.Stringer("from", addr))
	}
}

func (s *RelayServer) register(ctx context.Context, p *peer, h wire.Header) {
	addr, err := model.ParseAddress(h.From)
	if err != nil || !s.check(addr.UserID, h.AuthToken) {
		log.Info("relay registration refused", zap.String("from", h.From))
		s.reply(p, wire.ServerRegisterRequest, "", "", nil)
		return
	}

	s.mu.Lock()
	old := s.peers[addr]
	if old == p {
		s.mu.Unlock()
		s.reply(p, wire.ServerRegisterSuccessful, "", "", nil)
		return
	}
	s.peers[addr] = p
	p.addr, p.registered = addr, true
	s.mu.Unlock()

	if old != nil {
		log.Info("device connected again, dropping previous connection", zap.Stringer("addr", addr))
		old.conn.Disconnect()
	}

	log.Info("device registered", zap.Stringer("addr", addr))
	s.reply(p, wire.ServerRegisterSuccessful, "", "", nil)

	queued, err := s.queue.TakeAll(ctx, addr)
	if err != nil {
		log.Error("reading offline queue failed", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	for _, m := range queued {
		s.deliver(ctx, addr, m)
	}
}

// drop unregisters p. Whatever it has not acknowledged goes to a newer
// connection of the same device, or to the queue.
func (s *RelayServer) drop(p *peer) {
	s.mu.Lock()
	delete(s.conns, p)
	if !p.registered {
		s.mu.Unlock()
		return
	}
	if s.peers[p.addr] == p {
		delete(s.peers, p.addr)
	}
	unacked := p.inflight
	p.inflight = nil
	s.mu.Unlock()

	log.Info("device disconnected", zap.Stringer("addr", p.addr), zap.Int("unacked", len(unacked)))
	for _, m := range unacked {
		s.deliver(context.Background(), p.addr, m)
	}
}

// deliver sends msg to the device if it is online, otherwise queues it.
func (s *RelayServer) deliver(ctx context.Context, to model.Address, msg wire.Message) bool {
	s.mu.Lock()
	p, online := s.peers[to]
	if online {
		p.inflight = append(p.inflight, msg)
	}
	s.mu.Unlock()

	if online {
		if err := p.conn.SendMessage(msg); err == nil {
			return true
		}
		// The connection is going away; drop hands the inflight copy on.
		return false
	}

	if err := s.queue.Push(ctx, to, msg); err != nil {
		log.Error("queueing message failed", zap.Stringer("to", to), zap.Error(err))
	}
	return false
}

// mismatch compares a bundle against the recipient's registered devices.
func mismatch(registered []model.DeviceInfo, b model.MessageBundle) model.DeviceMismatch {
	ids := make([]uint32, 0, len(b.Messages))
	for _, m := range b.Messages {
		ids = append(ids, m.DeviceID)
	}
	return model.DiffDevices(ids, registered, func(id uint32) uint32 {
		m, ok := b.ForDevice(id)
		if !ok {
			return 0
		}
		return m.RegistrationID
	})
}

func (s *RelayServer) route(ctx context.Context, p *peer, from model.Address, msg wire.Message) {
	h := msg.Header
	to := h.To

	b, err := wire.ReadMessageBundle(msg.Content)
	if err != nil {
		log.Warn("dropping undecodable bundle", zap.Stringer("from", from), zap.Error(err))
		return
	}

	devices, err := s.devices.Devices(ctx, to)
	if errors.Is(err, bundle.ErrNotFound) || (err == nil && len(devices) == 0) {
		s.reply(p, wire.ServerUserOffline, to, h.MessageID, nil)
		return
	}
	if err != nil {
		log.Error("listing recipient devices failed", zap.String("to", to), zap.Error(err))
		return
	}

	// Copies to our own other devices never include the sending device.
	if to == from.UserID {
		devices = slices.DeleteFunc(devices, func(d model.DeviceInfo) bool { return d.ID == from.DeviceID })
	}

	if diff := mismatch(devices, b); !diff.Empty() {
		content, err := json.Marshal(diff)
		if err != nil {
			log.Error("encoding device mismatch failed", zap.Error(err))
			return
		}
		s.reply(p, wire.ServerDeviceMismatch, to, h.MessageID, content)
		return
	}

	delivered := false
	for _, m := range b.Messages {
		content, err := json.Marshal(model.MessageBundle{Messages: []model.DeviceMessage{m}})
		if err != nil {
			log.Error("encoding device message failed", zap.Error(err))
			return
		}
		out, err := wire.NewServerMessage(wire.ClientSendMessage, from.String(), to, h.MessageID, content)
		if err != nil {
			log.Error("building delivery failed", zap.Error(err))
			return
		}
		if s.deliver(ctx, model.Address{UserID: to, DeviceID: m.DeviceID}, out) {
			delivered = true
		}
	}

	s.reply(p, wire.ServerMessageReceived, to, h.MessageID, nil)
	if delivered {
		s.reply(p, wire.ServerMessageSent, to, h.MessageID, nil)
	}
}

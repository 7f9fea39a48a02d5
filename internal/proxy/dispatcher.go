// Package proxy is the Proxy's dispatcher (spec.md §4.3, §4.7, §4.8, §5):
// it owns the descriptor table, the RPC remap table, and the hub router,
// and is the single goroutine that ever mutates any of them. The source's
// single-threaded ppoll loop becomes, here, one dispatcher goroutine fed
// by a reader goroutine per sensor and per client — each reader only ever
// calls Recv on its own transport and forwards decoded packets over a
// channel, so the "single writer, no locks" invariant (spec.md §5) holds
// without literal readiness polling.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twinleaf/tio-proxy/internal/config"
	"github.com/twinleaf/tio-proxy/internal/descriptor"
	"github.com/twinleaf/tio-proxy/internal/hub"
	"github.com/twinleaf/tio-proxy/internal/protocol"
	"github.com/twinleaf/tio-proxy/internal/rpcremap"
	"github.com/twinleaf/tio-proxy/internal/transport"
	"github.com/twinleaf/tio-proxy/pkg/eventbus"
)

const (
	heartbeatInterval = 150 * time.Millisecond // spec.md §4.7: "every ≤200ms"
	timeoutSweepEvery = 500 * time.Millisecond
	reconnectEvery    = 1 * time.Second
	rpcTimeout        = 5 * time.Second // spec.md §4.3 step 4: "5s in the source"
)

// Dispatcher is the Proxy's single-writer core. Construct with New, wire
// sensors with AddSensor, then run with Run.
type Dispatcher struct {
	cfg      *config.Config
	hub      *hub.Router
	remap    *rpcremap.Table
	events   *eventbus.EventBus[DiagnosticEvent]
	log      *slog.Logger
	table    *descriptor.Table

	sensorCh    chan sensorInbound
	clientCh    chan clientInbound
	newClientCh chan newClientRequest

	forwardClient descriptor.Handle
	forwardInUse  bool

	readerDone chan struct{}
}

type newClientRequest struct {
	desc  *descriptor.Descriptor
	reply chan descriptor.Handle
}

// New constructs a Dispatcher with no sensors; the caller registers each
// sensor afterwards with AddSensor, which dials it and, when the dial
// fails, registers it disconnected and leaves it to the reconnect loop
// (sensors are created at startup and never destroyed).
func New(cfg *config.Config, router *hub.Router, remap *rpcremap.Table, events *eventbus.EventBus[DiagnosticEvent], log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		hub:         router,
		remap:       remap,
		events:      events,
		log:         log,
		table:       descriptor.New(),
		sensorCh:    make(chan sensorInbound, 256),
		clientCh:    make(chan clientInbound, 256),
		newClientCh: make(chan newClientRequest),
		readerDone:  make(chan struct{}),
	}
}

// Table exposes the descriptor table for the accept loop to consult
// (e.g. current client count against MaxClients) and for tests.
func (d *Dispatcher) Table() *descriptor.Table {
	return d.table
}

// AddSensor registers a sensor by its origin URL, dialing it immediately.
// A dial failure still creates the descriptor, marked disconnected, so
// the reconnect loop picks it up on the next tick rather than failing
// startup — matching the source's willingness to start with a sensor
// down as long as reconnect is enabled.
func (d *Dispatcher) AddSensor(url string) {
	desc := &descriptor.Descriptor{OriginURL: url}
	t, err := transport.Dial(url)
	now := time.Now()
	if err != nil {
		desc.Connected = false
		desc.FirstFailureAt = now.UnixNano()
		d.log.Warn("sensor dial failed at startup", "url", url, "error", err)
	} else {
		desc.Transport = t
		desc.Connected = true
	}
	d.table.AddSensor(desc)
}

// AddClient registers an already-handshaken client transport (any
// WebSocket upgrade has already completed by the time the accept loop
// calls this — see DESIGN.md for why the upgrade is done synchronously
// in the accept goroutine rather than mid-dispatch). It enforces
// MaxClients and the forward-mode single-slot rule (spec.md §4.8) and
// returns false if the connection was refused.
func (d *Dispatcher) AddClient(t transport.Transport, remoteAddr string, isWebSocket bool) bool {
	reply := make(chan descriptor.Handle, 1)
	d.newClientCh <- newClientRequest{
		desc: &descriptor.Descriptor{
			Transport:     t,
			WebSocketPort: isWebSocket,
		},
		reply: reply,
	}
	h := <-reply
	return h != 0
}

// Run drives the dispatcher until ctx is cancelled or a sensor-fatal
// condition requires process exit (spec.md §7: "Sensor-fatal... if
// disabled, exit the process"; §4.3 step 2: reconnect deadline crossed).
// It returns a non-nil error only for that fatal case.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, s := range d.table.Sensors() {
		if s.Connected {
			go runSensorReader(s.SensorIndex, s.Transport, d.sensorCh, d.readerDone)
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(timeoutSweepEvery)
	defer sweep.Stop()
	reconnect := time.NewTicker(reconnectEvery)
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			close(d.readerDone)
			return nil

		case req := <-d.newClientCh:
			req.reply <- d.registerClient(req.desc)

		case msg := <-d.sensorCh:
			if err := d.handleSensorMsg(msg); err != nil {
				close(d.readerDone)
				return err
			}

		case msg := <-d.clientCh:
			if err := d.handleClientMsg(msg); err != nil {
				close(d.readerDone)
				return err
			}

		case <-heartbeat.C:
			if err := d.sendHeartbeats(); err != nil {
				close(d.readerDone)
				return err
			}

		case <-sweep.C:
			d.sweepTimeouts()

		case <-reconnect.C:
			if err := d.reconnectTick(); err != nil {
				close(d.readerDone)
				return err
			}
		}
	}
}

func (d *Dispatcher) registerClient(desc *descriptor.Descriptor) descriptor.Handle {
	if d.cfg.Client.ForwardMode {
		if d.forwardInUse {
			d.log.Warn("forward mode: refusing second client", "remote", desc.Transport.RemoteAddr())
			_ = desc.Transport.Close()
			return 0
		}
		desc.Forward = true
	} else if d.table.ClientCount() >= d.cfg.Client.MaxClients {
		d.log.Warn("max clients reached, refusing connection", "remote", desc.Transport.RemoteAddr())
		_ = desc.Transport.Close()
		return 0
	}

	h := d.table.AddClient(desc)
	if desc.Forward {
		d.forwardClient = h
		d.forwardInUse = true
	}
	go runClientReader(h, desc, d.clientCh)

	d.events.Publish(AcceptEvent{Client: h, RemoteAddr: desc.Transport.RemoteAddr(), WebSocket: desc.WebSocketPort})
	d.log.Debug("client accepted", "handle", h, "remote", desc.Transport.RemoteAddr())
	return h
}

func (d *Dispatcher) disconnectClient(h descriptor.Handle, reason string) {
	if desc, ok := d.table.Client(h); ok {
		if desc.Forward {
			d.forwardInUse = false
		}
		orphaned := d.remap.OrphanClient(rpcremap.ClientID(h))
		for _, idx := range orphaned {
			d.events.PublishAsync(RemapEvent{ProxyID: idx, Client: h, Freed: false})
		}
	}
	d.table.RemoveClient(h)
	d.events.PublishAsync(DisconnectEvent{Handle: h, Role: descriptor.RoleClient, Reason: reason})
	d.log.Debug("client disconnected", "handle", h, "reason", reason)
}

// deliverToClient sends one packet to a client, disconnecting it on any
// send failure (spec.md §5 "Backpressure... the Proxy disconnects that
// client").
func (d *Dispatcher) deliverToClient(h descriptor.Handle, pkt *protocol.Packet) {
	desc, ok := d.table.Client(h)
	if !ok {
		return
	}
	if err := desc.Transport.Send(pkt); err != nil {
		d.disconnectClient(h, err.Error())
	}
}

func (d *Dispatcher) handleClientMsg(msg clientInbound) error {
	if msg.err != nil {
		d.disconnectClient(msg.handle, msg.err.Error())
		return nil
	}
	pkt := msg.pkt

	if d.cfg.Client.ForwardMode {
		return d.forwardClientPacket(pkt)
	}

	if pkt.Header.Type != protocol.KindRPCReq {
		// The source's clients only ever originate RPC requests and
		// heartbeats; anything else from a shared-mode client is not a
		// meaningful operation and is dropped rather than silently
		// broadcast back out.
		return nil
	}
	return d.handleClientRPCRequest(msg.handle, pkt)
}

func (d *Dispatcher) forwardClientPacket(pkt *protocol.Packet) error {
	s := d.table.Sensor(0)
	if s == nil || !s.Connected {
		d.events.PublishAsync(DropEvent{Reason: "forward mode: sensor disconnected"})
		return nil
	}
	if err := s.Transport.Send(pkt); err != nil {
		return d.handleSensorWriteFailure(0, err)
	}
	return nil
}

func (d *Dispatcher) handleClientRPCRequest(h descriptor.Handle, pkt *protocol.Packet) error {
	req, err := protocol.DecodeRPCRequest(pkt.Payload)
	if err != nil {
		d.events.PublishAsync(DropEvent{Reason: "malformed RPC request: " + err.Error()})
		return nil
	}

	// Snapshot the client's own routing stack as it arrived, before the hub
	// router peels the destination hop off — this is what gets restored
	// onto a synthetic BUSY/TIMEOUT error so a hub-mode client can still
	// tell which sensor it addressed (spec.md §4.3 record field
	// "routing_snapshot"; tio-proxy.c:524-529, :1036-1038).
	originalRouting := append([]byte(nil), pkt.Routing...)

	sensorIndex, rest, routeErr := d.hub.RouteOutbound(pkt.Routing)
	switch routeErr {
	case nil:
		// fall through to remap + forward below
	case hub.ErrLocalDispatch:
		d.handleHubLocalRPC(h, req)
		return nil
	case hub.ErrInvalidSensor:
		d.events.PublishAsync(DropEvent{Reason: "RPC to invalid sensor index"})
		return nil
	default:
		d.events.PublishAsync(DropEvent{Reason: routeErr.Error()})
		return nil
	}

	s := d.table.Sensor(sensorIndex)
	if s == nil || !s.Connected {
		d.events.PublishAsync(DropEvent{Reason: fmt.Sprintf("RPC to disconnected sensor %d", sensorIndex)})
		return nil
	}

	proxyID, err := d.remap.Allocate(rpcremap.ClientID(h), req.ID, originalRouting, time.Now())
	if err != nil {
		errPkt, _ := protocol.New(protocol.KindRPCError, protocol.EncodeRPCError(req.ID, protocol.RPCErrorBusy), originalRouting)
		d.deliverToClient(h, errPkt)
		return nil
	}
	d.events.PublishAsync(RemapEvent{ProxyID: proxyID, Client: h})

	rewritten, err := protocol.RewriteRequestID(pkt.Payload, proxyID)
	if err != nil {
		_ = d.remap.Free(proxyID)
		return nil
	}
	outPkt, err := protocol.New(protocol.KindRPCReq, rewritten, rest)
	if err != nil {
		_ = d.remap.Free(proxyID)
		return nil
	}
	if err := s.Transport.Send(outPkt); err != nil {
		return d.handleSensorWriteFailure(sensorIndex, err)
	}
	return nil
}

func (d *Dispatcher) handleHubLocalRPC(h descriptor.Handle, req protocol.RPCRequest) {
	if reply, ok := d.hub.HandleLocalRPC(req); ok {
		pkt, err := protocol.New(protocol.KindRPCReply, reply, nil)
		if err == nil {
			d.deliverToClient(h, pkt)
		}
		return
	}
	errPkt, _ := protocol.New(protocol.KindRPCError, protocol.EncodeRPCError(req.ID, protocol.RPCErrorNotFound), nil)
	d.deliverToClient(h, errPkt)
}

func (d *Dispatcher) handleSensorMsg(msg sensorInbound) error {
	if msg.err != nil {
		return d.handleSensorReadFailure(msg.index, msg.err)
	}
	pkt := msg.pkt

	if pkt.Header.Type == protocol.KindText {
		d.log.Info("sensor sent text-mode packet, nudging to binary", "sensor", msg.index, "text", string(pkt.Payload))
		if s := d.table.Sensor(msg.index); s != nil && s.Connected {
			hb, _ := protocol.New(protocol.KindHeartbeat, nil, nil)
			_ = s.Transport.Send(hb)
		}
		return nil
	}

	if d.cfg.Client.ForwardMode {
		if d.forwardInUse {
			d.deliverToClient(d.forwardClient, pkt)
		}
		return nil
	}

	routing, err := d.hub.RouteInbound(msg.index, pkt.Routing)
	if err != nil {
		d.events.PublishAsync(DropEvent{Reason: "routing stack overflow on inbound sensor packet"})
		return nil
	}

	if pkt.Header.Type == protocol.KindRPCReply || pkt.Header.Type == protocol.KindRPCError {
		d.deliverRPCReply(pkt, routing)
		return nil
	}

	d.broadcast(pkt, routing)
	return nil
}

func (d *Dispatcher) deliverRPCReply(pkt *protocol.Packet, routing []byte) {
	proxyID, err := protocol.RPCReplyID(pkt.Payload)
	if err != nil {
		return
	}
	rec, err := d.remap.Resolve(proxyID)
	if err != nil {
		return // late reply for an already-freed id; silently consumed
	}
	client := descriptor.Handle(rec.Client)
	original := rec.Original
	orphan := d.remap.IsOrphan(proxyID)
	_ = d.remap.Free(proxyID)
	d.events.PublishAsync(RemapEvent{ProxyID: proxyID, Client: client, Freed: true})

	if orphan {
		return // originating client already gone; reply discarded
	}

	rewritten, err := protocol.RewriteReplyID(pkt.Payload, original)
	if err != nil {
		return
	}
	outPkt, err := protocol.New(pkt.Header.Type, rewritten, routing)
	if err != nil {
		return
	}
	d.deliverToClient(client, outPkt)
}

func (d *Dispatcher) broadcast(pkt *protocol.Packet, routing []byte) {
	for _, c := range d.table.Clients() {
		outPkt, err := protocol.New(pkt.Header.Type, pkt.Payload, routing)
		if err != nil {
			continue
		}
		if err := c.Transport.Send(outPkt); err != nil {
			d.disconnectClient(c.Handle, err.Error())
		}
	}
}

func (d *Dispatcher) sendHeartbeats() error {
	hb, err := protocol.New(protocol.KindHeartbeat, nil, nil)
	if err != nil {
		return nil
	}
	for _, s := range d.table.Sensors() {
		if !s.Connected {
			continue
		}
		if err := s.Transport.Send(hb); err != nil {
			if ferr := d.handleSensorWriteFailure(s.SensorIndex, err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

func (d *Dispatcher) sweepTimeouts() {
	for _, expired := range d.remap.SweepTimeouts(time.Now()) {
		client := descriptor.Handle(expired.Client)
		d.events.PublishAsync(TimeoutEvent{Client: client, ProxyID: expired.Original})
		errPkt, _ := protocol.New(protocol.KindRPCError, protocol.EncodeRPCError(expired.Original, protocol.RPCErrorTimeout), expired.Routing)
		d.deliverToClient(client, errPkt)
	}
}

// handleSensorReadFailure implements spec.md §7's sensor-fatal policy
// (tio-proxy.c's read-error path, :1069-1075): a sensor I/O error is fatal
// to the whole process when reconnect is disabled (-T 0); otherwise it
// closes the link and lets reconnectTick retry it. A framing error
// (transport.ErrProtocol) is only reported as a DropEvent; the link stays up.
func (d *Dispatcher) handleSensorReadFailure(index int, err error) error {
	if errors.Is(err, transport.ErrProtocol) {
		d.events.PublishAsync(DropEvent{Reason: fmt.Sprintf("sensor %d framing error, packet dropped: %v", index, err)})
		return nil
	}
	s := d.table.Sensor(index)
	if s == nil || !s.Connected {
		return nil
	}
	return d.markSensorDown(s, err)
}

// handleSensorWriteFailure mirrors handleSensorReadFailure for the write
// path (tio-proxy.c :574-576). A would-block means the transport's send
// queue is full and the packet was not accepted: the packet is dropped and
// reported as a DropEvent, and the sensor is never marked down for it nor
// counted toward reconnect/exit.
func (d *Dispatcher) handleSensorWriteFailure(index int, err error) error {
	if errors.Is(err, transport.ErrWouldBlock) {
		d.events.PublishAsync(DropEvent{Reason: fmt.Sprintf("sensor %d write would block, packet dropped", index)})
		return nil
	}
	s := d.table.Sensor(index)
	if s == nil || !s.Connected {
		d.events.PublishAsync(DropEvent{Reason: fmt.Sprintf("write to disconnected sensor %d", index)})
		return nil
	}
	return d.markSensorDown(s, err)
}

// markSensorDown closes the sensor's transport and marks it disconnected.
// Per spec.md §7 and tio-proxy.c's reconnect_timeout==0 behaviour
// (:1069-1075, :574-576), GraceSeconds == 0 means reconnect is disabled
// outright, so the sensor going down is immediately fatal to the process
// rather than "retry forever". With GraceSeconds == 0 reconnectTick only
// sees sensors that failed to dial at startup, and treats them as fatal too.
func (d *Dispatcher) markSensorDown(s *descriptor.Descriptor, err error) error {
	if s.Transport != nil {
		_ = s.Transport.Close()
	}
	s.Connected = false
	s.FirstFailureAt = time.Now().UnixNano()
	d.events.PublishAsync(DisconnectEvent{Handle: s.Handle, Role: descriptor.RoleSensor, Reason: err.Error()})
	d.log.Warn("sensor link down", "sensor", s.SensorIndex, "error", err)

	if d.cfg.Reconnect.GraceSeconds == 0 {
		return fmt.Errorf("proxy: sensor %d (%s) I/O error and reconnect is disabled (-T 0): %w", s.SensorIndex, s.OriginURL, err)
	}
	return nil
}

// reconnectTick attempts one redial per disconnected sensor (spec.md
// §4.3 step 2). GraceSeconds == 0 means reconnect is disabled, so any
// sensor still down here (e.g. one that failed to dial at startup) is
// immediately fatal rather than retried. Otherwise it returns a non-nil
// error once a sensor has been down longer than the configured grace
// period: spec.md §4.3 step 2 "if any sensor has been dead past its
// reconnect deadline, exit."
func (d *Dispatcher) reconnectTick() error {
	now := time.Now()
	grace := time.Duration(d.cfg.Reconnect.GraceSeconds) * time.Second

	for _, s := range d.table.Sensors() {
		if s.Connected {
			continue
		}
		if d.cfg.Reconnect.GraceSeconds == 0 {
			return fmt.Errorf("proxy: sensor %d (%s) disconnected and reconnect is disabled (-T 0)", s.SensorIndex, s.OriginURL)
		}
		deadline := time.Unix(0, s.FirstFailureAt).Add(grace)
		if now.After(deadline) {
			return fmt.Errorf("proxy: sensor %d (%s) exceeded reconnect grace period of %s", s.SensorIndex, s.OriginURL, grace)
		}

		t, err := transport.Dial(s.OriginURL)
		d.events.PublishAsync(ReconnectEvent{SensorIndex: s.SensorIndex, OriginURL: s.OriginURL, Succeeded: err == nil})
		if err != nil {
			d.log.Debug("reconnect attempt failed", "sensor", s.SensorIndex, "error", err)
			continue
		}
		s.Transport = t
		s.Connected = true
		s.FirstFailureAt = 0
		go runSensorReader(s.SensorIndex, s.Transport, d.sensorCh, d.readerDone)
		d.log.Info("sensor reconnected", "sensor", s.SensorIndex, "url", s.OriginURL)
	}
	return nil
}

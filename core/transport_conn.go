package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/encodeous/motenet/perf"
	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
)

type ConnState uint8

const (
	StateClosed ConnState = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosing
	StateClosedFinal
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateClosedFinal:
		return "CLOSED_FINAL"
	}
	return fmt.Sprintf("ConnState(%d)", uint8(s))
}

// Transmitter delivers a segment to the transport of node dest
type Transmitter interface {
	Transmit(dest state.NodeId, seg protocol.Segment) error
}

// ConnHandler receives connection events. Handlers run on the dispatch goroutine and may call back into the connection.
type ConnHandler interface {
	OnEstablished(c *Conn)
	// OnReadable is called when new data was buffered and can be read with Recv
	OnReadable(c *Conn)
	// OnWritable is called when the peer acknowledged data or opened its window
	OnWritable(c *Conn)
	// OnClosed is called exactly once, when the connection reaches CLOSED_FINAL. err is nil for an orderly close.
	OnClosed(c *Conn, err error)
}

// ConnHandlerFuncs adapts plain functions to a ConnHandler, nil functions are skipped
type ConnHandlerFuncs struct {
	Established func(c *Conn)
	Readable    func(c *Conn)
	Writable    func(c *Conn)
	Closed      func(c *Conn, err error)
}

func (f ConnHandlerFuncs) OnEstablished(c *Conn) {
	if f.Established != nil {
		f.Established(c)
	}
}

func (f ConnHandlerFuncs) OnReadable(c *Conn) {
	if f.Readable != nil {
		f.Readable(c)
	}
}

func (f ConnHandlerFuncs) OnWritable(c *Conn) {
	if f.Writable != nil {
		f.Writable(c)
	}
}

func (f ConnHandlerFuncs) OnClosed(c *Conn, err error) {
	if f.Closed != nil {
		f.Closed(c, err)
	}
}

// ConnKey identifies a connection from the local node's point of view
type ConnKey struct {
	LocalPort  uint8
	RemoteNode state.NodeId
	RemotePort uint8
}

func (k ConnKey) String() string {
	return fmt.Sprintf(":%d <-> %d:%d", k.LocalPort, k.RemoteNode, k.RemotePort)
}

// Conn is a reliable, ordered byte stream to a port on a remote node.
// A Conn is owned by the dispatch goroutine, none of its methods are safe for concurrent use.
type Conn struct {
	ConnKey
	Id    int
	state ConnState
	err   error

	iss    uint16
	sndUna uint16 // oldest unacknowledged sequence number
	sndNxt uint16 // next sequence number to send
	sndWnd uint16 // last window advertised by the peer
	sndMax uint16 // largest window the peer ever advertised
	rcvNxt uint16 // next sequence number expected from the peer
	rcvBuf []byte
	rcvCap int
	rcvAdv uint16 // window carried by the last segment we sent

	// sent but unacknowledged SYN, FIN and DATA segments, in sequence order
	pending []protocol.Segment
	retries int
	timer   int // ticks until the oldest pending segment is retransmitted
	linger  int // ticks until a FIN_WAIT connection gives up on the peer's FIN
	idle    int // ticks since the peer was last heard from

	// persist timer, runs while nothing is outstanding but the peer must be asked for its ack and window
	persists     int
	persistTimer int

	finSent     bool
	finAcked    bool
	finReceived bool

	cfg       state.TransportCfg
	out       Transmitter
	handler   ConnHandler
	log       *slog.Logger
	onRelease func(c *Conn)
}

// connEvents collects the callbacks to run once a transition is complete
type connEvents struct {
	established bool
	readable    bool
	writable    bool
}

func newConn(key ConnKey, cfg state.TransportCfg, out Transmitter, handler ConnHandler, log *slog.Logger) *Conn {
	if handler == nil {
		handler = ConnHandlerFuncs{}
	}
	return &Conn{
		ConnKey: key,
		state:   StateClosed,
		rcvCap:  cfg.RecvBuffer,
		rcvBuf:  make([]byte, 0, cfg.RecvBuffer),
		cfg:     cfg,
		out:     out,
		handler: handler,
		log:     log.With("conn", key.String()),
	}
}

func (c *Conn) State() ConnState {
	return c.state
}

// Err returns the reason the connection closed, nil while it is open or after an orderly close
func (c *Conn) Err() error {
	return c.err
}

// Buffered returns the number of received bytes waiting to be read
func (c *Conn) Buffered() int {
	return len(c.rcvBuf)
}

func (c *Conn) String() string {
	return fmt.Sprintf("#%d %s %s (snd: %d/%d wnd: %d, rcv: %d buf: %d)", c.Id, c.ConnKey, c.state, c.sndUna, c.sndNxt, c.sndWnd, c.rcvNxt, len(c.rcvBuf))
}

func (c *Conn) setState(s ConnState) {
	c.log.Debug("connection state changed", "from", c.state, "to", s)
	c.state = s
}

// window is the free receive buffer space advertised to the peer
func (c *Conn) window() uint16 {
	return uint16(c.rcvCap - len(c.rcvBuf))
}

// SendAvailable returns the number of bytes Send currently accepts
func (c *Conn) SendAvailable() int {
	if c.state != StateEstablished {
		return 0
	}
	outstanding := c.sndNxt - c.sndUna
	if outstanding >= c.sndWnd {
		return 0
	}
	return int(c.sndWnd - outstanding)
}

func (c *Conn) setWindow(w uint16) {
	c.sndWnd = w
	c.sndMax = max(c.sndMax, w)
}

func (c *Conn) segment(flags protocol.Flags, seq uint16, payload []byte) protocol.Segment {
	seg := protocol.Segment{
		SrcPort:  c.LocalPort,
		DestPort: c.RemotePort,
		Seq:      seq,
		Window:   c.window(),
		Flags:    flags,
		Payload:  payload,
	}
	if flags.Has(protocol.FlagACK) {
		seg.Ack = c.rcvNxt
	}
	return seg
}

func (c *Conn) transmit(seg protocol.Segment) error {
	c.log.Debug("send segment", "seg", seg)
	if err := c.out.Transmit(c.RemoteNode, seg); err != nil {
		return err
	}
	c.rcvAdv = seg.Window
	perf.SentSegments.Add(1)
	return nil
}

// queue holds a sequence consuming segment for retransmission
func (c *Conn) queue(seg protocol.Segment) {
	c.pending = append(c.pending, seg)
	c.sndNxt += seg.Len()
	if c.timer == 0 {
		c.timer = c.cfg.RetransmitTicks
	}
}

func (c *Conn) sendQueued(seg protocol.Segment) {
	c.queue(seg)
	if err := c.transmit(seg); err != nil {
		c.log.Debug("transmit failed, will retransmit", "seg", seg, "error", err)
	}
}

func (c *Conn) sendAck() {
	if err := c.transmit(c.segment(protocol.FlagACK, c.sndNxt, nil)); err != nil {
		c.log.Debug("failed to send ack", "error", err)
	}
}

// open performs an active open. Nothing is committed if the peer is unreachable.
func (c *Conn) open() error {
	syn := c.segment(protocol.FlagSYN, c.iss, nil)
	if err := c.transmit(syn); err != nil && errors.Is(err, ErrUnreachable) {
		return err
	}
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.queue(syn)
	c.setState(StateSynSent)
	return nil
}

// Send writes data to the stream. A write larger than SendAvailable is rejected whole with ErrWindowExceeded.
func (c *Conn) Send(data []byte) error {
	switch c.state {
	case StateEstablished:
	case StateClosedFinal:
		return ErrConnClosed
	default:
		return fmt.Errorf("send in state %s: %w", c.state, ErrNotConnected)
	}
	if len(data) == 0 {
		return nil
	}
	if avail := c.SendAvailable(); len(data) > avail {
		return fmt.Errorf("write of %d bytes, %d available: %w", len(data), avail, ErrWindowExceeded)
	}
	for i := 0; i < len(data); i += protocol.SegmentPayloadSize {
		chunk := make([]byte, min(protocol.SegmentPayloadSize, len(data)-i))
		copy(chunk, data[i:])
		seg := c.segment(protocol.FlagDATA|protocol.FlagACK, c.sndNxt, chunk)
		err := c.transmit(seg)
		if err != nil {
			if i == 0 && errors.Is(err, ErrUnreachable) {
				return err
			}
			c.log.Debug("transmit failed, will retransmit", "seg", seg, "error", err)
		}
		c.queue(seg)
	}
	return nil
}

// Recv drains the receive buffer
func (c *Conn) Recv() []byte {
	if len(c.rcvBuf) == 0 {
		return nil
	}
	data := make([]byte, len(c.rcvBuf))
	copy(data, c.rcvBuf)
	c.rcvBuf = c.rcvBuf[:0]
	if c.state != StateEstablished && c.state != StateFinWait {
		return data
	}
	// the peer only learns of the freed space from an update. send one if its view of the window
	// is too small for a full segment, or grew by half the buffer
	if c.rcvAdv < protocol.SegmentPayloadSize || int(c.window())-int(c.rcvAdv) >= max(protocol.SegmentPayloadSize, c.rcvCap/2) {
		c.sendAck()
	}
	return data
}

// Close starts an orderly shutdown. A connection that is not yet established is aborted.
func (c *Conn) Close() error {
	switch c.state {
	case StateClosed, StateListen, StateSynSent, StateSynReceived:
		c.release(nil)
	case StateEstablished:
		c.finSent = true
		c.sendQueued(c.segment(protocol.FlagFIN|protocol.FlagACK, c.sndNxt, nil))
		c.setState(StateFinWait)
	case StateFinWait, StateClosing:
	case StateClosedFinal:
		return ErrConnClosed
	}
	return nil
}

// abort closes the connection immediately without notifying the peer
func (c *Conn) abort(err error) {
	c.release(err)
}

func (c *Conn) release(err error) {
	if c.state == StateClosedFinal {
		return
	}
	c.setState(StateClosedFinal)
	c.err = err
	c.pending = nil
	c.timer = 0
	c.linger = 0
	if err != nil {
		c.log.Info("connection failed", "error", err)
	} else {
		c.log.Debug("connection closed")
	}
	if c.onRelease != nil {
		c.onRelease(c)
	}
	c.handler.OnClosed(c, err)
}

// processAck applies the acknowledgement and window carried by seg
func (c *Conn) processAck(seg protocol.Segment, ev *connEvents) {
	if SeqLt(seg.Ack, c.sndUna) || SeqGt(seg.Ack, c.sndNxt) {
		// stale, or acknowledges data we never sent
		return
	}
	if seg.Window != c.sndWnd {
		c.setWindow(seg.Window)
		ev.writable = true
	}
	if seg.Ack == c.sndUna {
		return
	}
	c.sndUna = seg.Ack
	keep := c.pending[:0]
	for _, p := range c.pending {
		if SeqGt(p.Seq+p.Len(), seg.Ack) {
			keep = append(keep, p)
		}
	}
	c.pending = keep
	c.retries = 0
	if len(c.pending) == 0 {
		c.timer = 0
	} else {
		c.timer = c.cfg.RetransmitTicks
	}
	if c.finSent && c.sndUna == c.sndNxt {
		c.finAcked = true
	}
	ev.writable = true
}

// handle processes a segment addressed to this connection
func (c *Conn) handle(seg protocol.Segment) {
	c.log.Debug("recv segment", "seg", seg, "state", c.state)
	c.idle = 0
	ev := connEvents{}
	switch c.state {
	case StateListen:
		if !seg.Flags.Has(protocol.FlagSYN) || seg.Flags.Has(protocol.FlagACK) {
			return
		}
		c.rcvNxt = seg.Seq + 1
		c.setWindow(seg.Window)
		c.sndUna = c.iss
		c.sndNxt = c.iss
		c.setState(StateSynReceived)
		c.sendQueued(c.segment(protocol.FlagSYN|protocol.FlagACK, c.iss, nil))
		return
	case StateSynSent:
		if !seg.Flags.Has(protocol.FlagSYN | protocol.FlagACK) {
			return
		}
		if seg.Ack != c.iss+1 {
			c.log.Debug("dropped syn-ack with bad ack", "seg", seg, "expected", c.iss+1)
			return
		}
		c.processAck(seg, &ev)
		c.setWindow(seg.Window)
		c.rcvNxt = seg.Seq + 1
		c.setState(StateEstablished)
		c.sendAck()
		c.handler.OnEstablished(c)
		return
	case StateSynReceived:
		if seg.Flags.Has(protocol.FlagSYN) || !seg.Flags.Has(protocol.FlagACK) {
			// a retransmitted SYN, our SYN-ACK will be retransmitted by the timer
			return
		}
		if seg.Ack != c.iss+1 {
			c.log.Debug("dropped ack with bad ack", "seg", seg, "expected", c.iss+1)
			return
		}
		c.setState(StateEstablished)
		ev.established = true
	case StateEstablished, StateFinWait, StateClosing:
		if seg.Flags.Has(protocol.FlagSYN) {
			if seg.Seq+1 == c.rcvNxt {
				// our handshake ack was lost
				c.sendAck()
			}
			return
		}
	default:
		return
	}
	c.receive(seg, &ev)

	if c.finSent && c.finAcked && c.finReceived {
		c.release(nil)
		return
	}
	if c.state == StateFinWait && c.finAcked && !c.finReceived && c.linger == 0 {
		c.linger = c.cfg.LingerTicks
	}

	if ev.established {
		c.handler.OnEstablished(c)
	}
	if ev.readable && c.state != StateClosedFinal {
		c.handler.OnReadable(c)
	}
	if ev.writable && c.state == StateEstablished && c.SendAvailable() > 0 {
		c.handler.OnWritable(c)
	}
}

// receive handles the acknowledgement, data and FIN of a segment on a synchronized connection
func (c *Conn) receive(seg protocol.Segment, ev *connEvents) {
	if seg.Flags.Has(protocol.FlagACK) || seg.Flags.Has(protocol.FlagDATA) {
		c.processAck(seg, ev)
	}

	needAck := false
	if len(seg.Payload) == 0 && !seg.Flags.Has(protocol.FlagFIN) && SeqLt(seg.Seq, c.rcvNxt) {
		// an empty segment below rcvNxt asks for our current ack and window
		needAck = true
	}
	if len(seg.Payload) > 0 {
		needAck = true
		switch {
		case seg.Seq != c.rcvNxt:
			// duplicate or out of order, answered with a duplicate ack
			c.log.Debug("unexpected segment", "seq", seg.Seq, "expected", c.rcvNxt)
		case len(seg.Payload) > int(c.window()):
			c.log.Debug("receive buffer full, segment dropped", "len", len(seg.Payload), "wnd", c.window())
		default:
			c.rcvBuf = append(c.rcvBuf, seg.Payload...)
			c.rcvNxt += uint16(len(seg.Payload))
			ev.readable = true
		}
	}

	if seg.Flags.Has(protocol.FlagFIN) {
		needAck = true
		// the FIN is only accepted once everything before it was received
		finSeq := seg.Seq + uint16(len(seg.Payload))
		if !c.finReceived && finSeq == c.rcvNxt {
			c.rcvNxt++
			c.finReceived = true
			c.log.Debug("peer closed its side")
			if c.state == StateEstablished {
				// acknowledge the FIN together with our own
				c.finSent = true
				c.sendQueued(c.segment(protocol.FlagFIN|protocol.FlagACK, c.sndNxt, nil))
				c.setState(StateClosing)
				return
			}
		}
	}

	if needAck {
		c.sendAck()
	}
}

// tick runs the idle, linger, retransmission and persist timers
func (c *Conn) tick() {
	if c.state == StateClosedFinal {
		return
	}
	c.idle++
	if c.cfg.IdleTicks > 0 && c.idle >= c.cfg.IdleTicks {
		c.log.Debug("peer went silent", "ticks", c.idle)
		c.release(ErrConnectionTimedOut)
		return
	}
	if c.linger > 0 {
		c.linger--
		if c.linger == 0 {
			c.log.Debug("peer did not close in time")
			c.release(nil)
			return
		}
	}
	if len(c.pending) == 0 {
		c.persist()
		return
	}
	if c.timer == 0 {
		return
	}
	c.timer--
	if c.timer > 0 {
		return
	}
	if c.retries >= c.cfg.RetransmitLimit {
		c.release(ErrConnectionTimedOut)
		return
	}
	c.retries++
	seg := c.pending[0]
	if seg.Flags.Has(protocol.FlagACK) {
		seg.Ack = c.rcvNxt
	}
	seg.Window = c.window()
	c.timer = c.cfg.RetransmitTicks << min(c.retries, state.MaxBackoffShift)
	perf.Retransmissions.Add(1)
	c.log.Debug("retransmit", "seg", seg, "retries", c.retries)
	if err := c.transmit(seg); err != nil {
		c.log.Debug("retransmit failed", "error", err)
	}
}

// persist asks the peer for its ack and window while nothing is outstanding, with the same backoff as
// retransmissions. This happens when the peer's window is too small to send into, so a lost window
// update cannot stall the connection, and as a keepalive once the peer was silent for half the idle timeout.
func (c *Conn) persist() {
	stalled := c.sndWnd == 0 || c.sndWnd < min(protocol.SegmentPayloadSize, c.sndMax)
	quiet := c.cfg.IdleTicks > 0 && c.idle >= c.cfg.IdleTicks/2
	if c.state != StateEstablished || !stalled && !quiet {
		c.persists = 0
		c.persistTimer = 0
		return
	}
	if c.persistTimer == 0 {
		c.persistTimer = c.cfg.RetransmitTicks << min(c.persists, state.MaxBackoffShift)
	}
	c.persistTimer--
	if c.persistTimer > 0 {
		return
	}
	c.persists++
	// sndNxt-1 is already acknowledged, so the peer answers without taking it as data
	seg := c.segment(protocol.FlagACK, c.sndNxt-1, nil)
	c.log.Debug("persist", "seg", seg, "stalled", stalled, "idle", c.idle)
	if err := c.transmit(seg); err != nil {
		c.log.Debug("persist failed", "error", err)
	}
}

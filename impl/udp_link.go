package impl

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
)

// UdpLink emulates a radio over UDP. Every frame is prefixed with the sender's node id, and only frames from configured peers are accepted.
type UdpLink struct {
	cfg  state.NodeCfg
	log  *slog.Logger
	conn *net.UDPConn
	wg   sync.WaitGroup
}

func NewUdpLink(cfg state.NodeCfg, log *slog.Logger) *UdpLink {
	return &UdpLink{
		cfg: cfg,
		log: log,
	}
}

func (u *UdpLink) Start(recv func(pkt []byte, from state.NodeId)) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(u.cfg.Bind))
	if err != nil {
		return err
	}
	u.conn = conn
	u.log.Info("udp link listening", "addr", conn.LocalAddr().String())
	u.wg.Add(1)
	go u.readLoop(recv)
	return nil
}

func (u *UdpLink) readLoop(recv func(pkt []byte, from state.NodeId)) {
	defer u.wg.Done()
	buf := make([]byte, 1+protocol.PacketHeaderSize+protocol.PacketPayloadSize+1)
	for {
		n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Debug("udp read failed", "error", err)
			continue
		}
		if n < 1 {
			continue
		}
		from := state.NodeId(buf[0])
		peer := u.cfg.GetLink(from)
		if peer == nil || peer.Addr.Port() != addr.Port() || peer.Addr.Addr().Unmap() != addr.Addr().Unmap() {
			u.log.Debug("dropped frame from unknown peer", "from", from, "addr", addr)
			continue
		}
		pkt := make([]byte, n-1)
		copy(pkt, buf[1:n])
		recv(pkt, from)
	}
}

func (u *UdpLink) Send(nh state.NodeId, pkt []byte) error {
	if u.conn == nil {
		return net.ErrClosed
	}
	frame := make([]byte, 0, len(pkt)+1)
	frame = append(frame, byte(u.cfg.Id))
	frame = append(frame, pkt...)
	if nh == state.Broadcast {
		var errs []error
		for _, peer := range u.cfg.Links {
			if _, err := u.conn.WriteToUDPAddrPort(frame, peer.Addr); err != nil {
				errs = append(errs, fmt.Errorf("send to %d: %w", peer.Id, err))
			}
		}
		return errors.Join(errs...)
	}
	peer := u.cfg.GetLink(nh)
	if peer == nil {
		return fmt.Errorf("no link to node %d", nh)
	}
	_, err := u.conn.WriteToUDPAddrPort(frame, peer.Addr)
	return err
}

func (u *UdpLink) Close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

package send

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/resolvd/registry"
)

// sendUDP writes query to server over a lazily-created, reused connected
// UDP socket for (net, server). A connected socket only ever receives
// datagrams from the peer it's connected to, so sender-address validation
// that would otherwise need an explicit recvfrom check is enforced by the
// kernel here instead.
func (e *Engine) sendUDP(ctx context.Context, netID registry.NetID, server *registry.ServerRecord, query []byte, timeout time.Duration) ([]byte, error) {
	conn, err := e.udpConn(netID, server.Addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(query); err != nil {
		e.dropUDPConn(netID, server.Addr)
		return nil, err
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		e.dropUDPConn(netID, server.Addr)
		return nil, err
	}
	if n < 12 {
		return nil, errShortReply
	}
	if !sameTxID(query, buf[:n]) {
		return nil, errTxIDMismatch
	}
	return buf[:n:n], nil
}

var (
	errShortReply   = errors.New("send: reply shorter than a DNS header")
	errTxIDMismatch = errors.New("send: reply transaction id did not match query")
)

func (e *Engine) udpConn(netID registry.NetID, addr string) (*dns.Conn, error) {
	key := connKey{net: netID, server: addr}

	e.mu.Lock()
	if c, ok := e.udp[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c := &dns.Client{
		Net: "udp",
		Dialer: &net.Dialer{
			Control: e.tagger.Tag,
		},
	}
	conn, err := c.Dial(addr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.udp[key]; ok {
		conn.Close()
		return existing, nil
	}
	e.udp[key] = conn
	return conn, nil
}

func (e *Engine) dropUDPConn(netID registry.NetID, addr string) {
	key := connKey{net: netID, server: addr}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.udp[key]; ok {
		c.Close()
		delete(e.udp, key)
	}
}

// sendTCP opens a fresh connection for one query: the escalation path
// isn't expected to be hot enough to justify pooling, and reusing a TCP
// conn across unrelated queries complicates matching truncated-then-
// escalated answers with their request.
func (e *Engine) sendTCP(ctx context.Context, addr string, query []byte, timeout time.Duration) ([]byte, error) {
	c := &dns.Client{
		Net:     "tcp",
		Timeout: timeout,
		Dialer: &net.Dialer{
			Control: e.tagger.Tag,
			Timeout: timeout,
		},
	}
	conn, err := c.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if err := writeFramed(conn, query); err != nil {
		if isConnReset(err) {
			conn2, err2 := c.Dial(addr)
			if err2 != nil {
				return nil, err2
			}
			defer conn2.Close()
			conn2.SetDeadline(time.Now().Add(timeout))
			if err := writeFramed(conn2, query); err != nil {
				return nil, err
			}
			return readTCPAnswer(conn2, query)
		}
		return nil, err
	}
	return readTCPAnswer(conn, query)
}

// writeFramed writes msg to a DNS-over-TCP stream preceded by its 2-byte
// big-endian length, per RFC 1035 §4.2.2.
func writeFramed(conn *dns.Conn, msg []byte) error {
	framed := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[2:], msg)
	_, err := conn.Write(framed)
	return err
}

func readTCPAnswer(conn *dns.Conn, query []byte) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	if n < 12 {
		return nil, errShortReply
	}
	if !sameTxID(query, buf) {
		return nil, errTxIDMismatch
	}
	return buf, nil
}

func sameTxID(query, answer []byte) bool {
	return query[0] == answer[0] && query[1] == answer[1]
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

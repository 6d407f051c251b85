package pdns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultValidator performs a real TLS handshake against a server and
// verifies its certificate against caCert (when supplied) or the system
// root pool otherwise.
type DefaultValidator struct{}

// Validate implements TLSValidator.
func (DefaultValidator) Validate(ctx context.Context, addr, sni string, caCert []byte, timeout time.Duration) error {
	cfg, err := tlsConfig(sni, caCert)
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DefaultDispatcher sends one query to a validated server over a fresh
// TLS connection using RFC 7858 framing (the same 2-byte length prefix as
// plain DNS-over-TCP).
type DefaultDispatcher struct {
	Timeout time.Duration
}

// Exchange implements TLSDispatcher.
func (d DefaultDispatcher) Exchange(ctx context.Context, addr, sni string, query []byte) ([]byte, Outcome, error) {
	cfg, err := tlsConfig(sni, nil)
	if err != nil {
		return nil, OutcomeInternalError, err
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, OutcomeNetworkError, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, OutcomeNetworkError, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, OutcomeNetworkError, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, OutcomeNetworkError, err
	}
	return buf, OutcomeSuccess, nil
}

func tlsConfig(sni string, caCert []byte) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: sni}
	if len(caCert) == 0 {
		return cfg, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("pdns: caCert did not contain any usable PEM certificates")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

package ftps

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV response format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV response and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var h [4]int
	for i := range 4 {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV parses an EPSV response and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}

	return matches[1], nil
}

// resolveDataAddr replaces unroutable PASV hosts (0.0.0.0, as sent by
// servers behind NAT) with the control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// tlsCacheKey mirrors the key crypto/tls uses to look up client sessions.
func tlsCacheKey(cfg *tls.Config, conn net.Conn) string {
	if cfg.ServerName != "" {
		return cfg.ServerName
	}
	return conn.RemoteAddr().String()
}

// openDataConn opens a passive data connection (EPSV, falling back to PASV).
// With session reuse on, a session without a cached control TLS session
// fails here, before anything is sent.
func (s *session) openDataConn() (net.Conn, error) {
	if s.tlsConfig != nil && s.sessionReuse && !s.cache.has(s.controlKey) {
		return nil, fmt.Errorf("no TLS session cached for control channel %s: %w", s.controlKey, ErrInvalidSession)
	}

	var addr string
	if !s.disableEPSV {
		if resp, err := s.sendCommand("EPSV"); err != nil {
			return nil, err
		} else if resp.Code == 500 || resp.Code == 502 {
			s.disableEPSV = true
		} else if resp.Is2xx() {
			if port, parseErr := parseEPSV(resp.String()); parseErr == nil {
				addr = net.JoinHostPort(s.host, port)
			}
		}
	}

	if addr == "" {
		resp, err := s.expect2xx("PASV")
		if err != nil {
			return nil, err
		}
		addr, err = parsePASV(resp.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, s.host)
	}

	raw, err := s.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	return raw, nil
}

// protectDataConn runs the TLS handshake on a data connection. The returned
// release func drops the session cache binding and must be called once the
// connection is closed.
func (s *session) protectDataConn(raw net.Conn) (*tls.Conn, func(), error) {
	cfg := s.tlsConfig.Clone()
	release := func() {}

	var fresh bool
	if s.sessionReuse {
		dataKey := tlsCacheKey(cfg, raw)
		if !s.cache.bind(dataKey, s.controlKey) {
			return nil, nil, fmt.Errorf("no TLS session cached for control channel %s: %w", s.controlKey, ErrInvalidSession)
		}
		release = func() { s.cache.unbind(dataKey) }

		verify := cfg.VerifyConnection
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if !cs.DidResume {
				fresh = true
				return ErrInvalidSession
			}
			if verify != nil {
				return verify(cs)
			}
			return nil
		}
	}

	if s.connectTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(s.connectTimeout))
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		release()
		if fresh {
			return nil, nil, fmt.Errorf("data channel handshake was not resumed: %w", ErrInvalidSession)
		}
		return nil, nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
	}
	_ = raw.SetDeadline(time.Time{})

	s.logger.Debug("data channel protected", "resumed", tlsConn.ConnectionState().DidResume)
	return tlsConn, release, nil
}

// cmdDataConn executes a command that requires a data connection. The data
// connection is opened first; on protected sessions the TLS handshake runs
// once the server accepted the command, which is when servers start theirs.
// The caller must hand the returned connection to finishDataConn.
func (s *session) cmdDataConn(cmd string, args ...string) (net.Conn, error) {
	raw, err := s.openDataConn()
	if err != nil {
		return nil, err
	}

	resp, err := s.sendCommand(cmd, args...)
	if err != nil {
		raw.Close()
		return nil, err
	}

	// 1xx: transfer starting, 2xx: already done
	if !resp.Is1xx() && !resp.Is2xx() {
		raw.Close()
		return nil, &ProtocolError{
			Command:  cmd,
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	dc := &deadlineConn{Conn: raw, timeout: s.socketTimeout}
	if s.tlsConfig != nil {
		tlsConn, release, err := s.protectDataConn(raw)
		if err != nil {
			raw.Close()
			if resp.Is1xx() {
				s.drainReply()
			}
			return nil, err
		}
		dc.Conn = tlsConn
		dc.onClose = release
	}

	if resp.Is2xx() {
		// Completion already received. The data connection may still carry
		// buffered payload, so it stays open for the caller; finishDataConn
		// must not wait for another reply.
		return &completedConn{Conn: dc}, nil
	}

	return dc, nil
}

// drainReply reads and drops the reply of an aborted transfer so the
// control channel stays in step.
func (s *session) drainReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if resp, err := s.readReply(); err == nil {
		s.echo("ftp transfer aborted", "code", resp.Code, "message", resp.Message)
	}
}

// completedConn marks a data connection whose completion reply has already
// been read.
type completedConn struct {
	net.Conn
}

// finishDataConn closes the data connection and reads the final response.
func (s *session) finishDataConn(dataConn net.Conn) error {
	closeErr := dataConn.Close()

	if _, done := dataConn.(*completedConn); done {
		return closeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("transfer completion: %w", net.ErrClosed)
	}

	resp, err := s.readReply()
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	s.echo("ftp data transfer complete", "code", resp.Code, "message", resp.Message)

	if !resp.Is2xx() {
		return &ProtocolError{
			Command:  "DATA_TRANSFER",
			Response: resp.Message,
			Code:     resp.Code,
		}
	}
	return nil
}

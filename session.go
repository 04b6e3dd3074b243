package ftps

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// sessionClient is one physical FTP session. Client drives it and replaces
// it wholesale on reconnect.
type sessionClient interface {
	connect() error
	logout() error
	close() error
	connected() bool
	available() bool

	// prepare issues the commands every operation depends on.
	prepare() error

	home() string
	modTime(path string) (time.Time, error)
	sizeReply(path string) (string, error)
	list(dir string) ([]FileRecord, error)
	rename(from, to string) error
	delete(path string) error
	makeDir(path string) error
	removeDir(path string) error
	changeDir(path string) error
	store(path string, r io.Reader) error
	retrieve(path string) (io.ReadCloser, error)
}

// sessionSettings is what a session needs from its provider.
type sessionSettings struct {
	cfg      Config
	tlsBase  *tls.Config
	dialer   *net.Dialer
	parsers  []ListingParser
	limiter  *ratelimit.Limiter
	progress ProgressFunc
	logger   *slog.Logger
	metrics  MetricsCollector
	noEPSV   bool
}

// session is the FTP/FTPS implementation of sessionClient.
type session struct {
	id   string
	host string
	addr string

	username string
	password string

	tlsMode      TLSMode
	tlsBase      *tls.Config
	tlsConfig    *tls.Config
	cache        *sessionCache
	controlKey   string
	sessionReuse bool

	connectTimeout time.Duration
	socketTimeout  time.Duration
	bufferSize     int
	debugCommands  bool
	location       *time.Location

	dialer   *net.Dialer
	parsers  []ListingParser
	limiter  *ratelimit.Limiter
	progress ProgressFunc
	logger   *slog.Logger
	metrics  MetricsCollector

	// mu serialises use of the control channel.
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	broken      bool
	busy        bool
	homeDir     string
	features    map[string]string
	disableEPSV bool
}

func newSession(st *sessionSettings) *session {
	id := uuid.NewString()
	cfg := st.cfg

	dialer := st.dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	d := *dialer
	if d.Timeout == 0 {
		d.Timeout = cfg.ConnectTimeout
	}

	s := &session{
		id:             id,
		host:           cfg.Host,
		addr:           net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		username:       cfg.Username,
		password:       cfg.Password,
		tlsMode:        cfg.TLSMode,
		tlsBase:        st.tlsBase,
		sessionReuse:   cfg.SessionReuse,
		connectTimeout: cfg.ConnectTimeout,
		socketTimeout:  cfg.SocketTimeout,
		bufferSize:     cfg.BufferSize,
		debugCommands:  cfg.DebugCommands,
		location:       cfg.location(),
		dialer:         &d,
		parsers:        st.parsers,
		limiter:        st.limiter,
		progress:       st.progress,
		logger:         st.logger.With("session", id, "host", cfg.Host),
		metrics:        st.metrics,
		disableEPSV:    st.noEPSV,
	}
	if len(s.parsers) == 0 {
		s.parsers = defaultParsers()
	}
	if s.bufferSize <= 0 {
		s.bufferSize = DefaultBufferSize
	}
	return s
}

// connect opens the control channel, negotiates TLS and logs in.
func (s *session) connect() error {
	s.logger.Debug("connecting to ftp server", "addr", s.addr, "tls_mode", s.tlsMode)

	if err := s.dial(); err != nil {
		return opError("connect", s.addr, ErrConnection, err)
	}
	if err := s.login(); err != nil {
		_ = s.close()
		return opError("login", s.addr, ErrConnection, err)
	}

	// FEAT and PWD only refine behaviour; servers without them still work.
	if resp, err := s.sendCommand("FEAT"); err == nil && resp.Code == 211 {
		s.features = parseFeatureLines(resp.Lines)
	}
	if dir, err := s.currentDir(); err == nil {
		s.homeDir = dir
	} else {
		s.homeDir = separator
	}

	s.logger.Info("ftp session established", "home", s.homeDir, "tls", s.tlsConfig != nil)
	return nil
}

func (s *session) dial() error {
	raw, err := s.dialer.Dial("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.mu.Lock()
	s.conn = raw
	s.broken = false
	s.mu.Unlock()

	if s.tlsMode != TLSNone {
		s.cache = newSessionCache()
		s.tlsConfig = s.tlsBase.Clone()
		if s.tlsConfig == nil {
			s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s.tlsConfig.ClientSessionCache = s.cache
		if s.tlsConfig.ServerName == "" && !s.tlsConfig.InsecureSkipVerify {
			s.tlsConfig.ServerName = s.host
		}
	}

	if s.tlsMode == TLSImplicit {
		if err := s.handshakeControl("implicit"); err != nil {
			_ = s.close()
			return err
		}
	} else {
		s.reader = bufio.NewReader(s.conn)
	}

	resp, err := s.readReply()
	if err != nil {
		_ = s.close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	s.echo("ftp greeting", "code", resp.Code, "message", resp.Message)
	if resp.Code != 220 {
		_ = s.close()
		return &ProtocolError{Command: "CONNECT", Response: resp.Message, Code: resp.Code}
	}

	if s.tlsMode == TLSExplicit {
		if _, err := s.expectCode(234, "AUTH", "TLS"); err != nil {
			_ = s.close()
			return fmt.Errorf("AUTH TLS failed: %w", err)
		}
		if err := s.handshakeControl("explicit"); err != nil {
			_ = s.close()
			return err
		}
	}
	return nil
}

// handshakeControl wraps the control connection in TLS and records the key
// its session is cached under.
func (s *session) handshakeControl(mode string) error {
	raw := s.conn
	s.logger.Debug("starting TLS handshake", "mode", mode)

	if s.connectTimeout > 0 {
		if err := raw.SetDeadline(time.Now().Add(s.connectTimeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	tlsConn := tls.Client(raw, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	_ = raw.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	s.logger.Debug("TLS handshake complete", "mode", mode, "version", tls.VersionName(state.Version))

	s.mu.Lock()
	s.controlKey = tlsCacheKey(s.tlsConfig, raw)
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.mu.Unlock()
	return nil
}

// login authenticates and requires a positive completion reply.
func (s *session) login() error {
	resp, err := s.sendCommand("USER", s.username)
	if err != nil {
		return err
	}
	if resp.Code == 331 || resp.Code == 332 {
		resp, err = s.sendCommand("PASS", s.password)
		if err != nil {
			return err
		}
	}

	ok := resp.Is2xx()
	s.metrics.RecordAuthentication(ok, s.username)
	if !ok {
		return &ProtocolError{Command: "LOGIN", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// logout sends QUIT. The reply is not required.
func (s *session) logout() error {
	if !s.connected() {
		return nil
	}
	_, err := s.sendCommand("QUIT")
	return err
}

// close drops the control connection. It is safe to call more than once.
func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	return err
}

// connected reports the local view of the control connection. It never
// touches the network.
func (s *session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.broken
}

// available reports whether a command may be sent now, i.e. no transfer is
// holding the control channel.
func (s *session) available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.broken && !s.busy
}

func (s *session) home() string { return s.homeDir }

// prepare issues PBSZ 0 and PROT P on protected sessions and selects binary
// mode. Passive mode and the buffer size are client side settings applied
// to every data connection.
func (s *session) prepare() error {
	if s.tlsConfig != nil {
		if _, err := s.expect2xx("PBSZ", "0"); err != nil {
			return s.fail(err)
		}
		if _, err := s.expect2xx("PROT", "P"); err != nil {
			return s.fail(err)
		}
	}
	if _, err := s.expect2xx("TYPE", "I"); err != nil {
		return s.fail(err)
	}
	return nil
}

// fail marks the session broken when err means the control channel is gone.
func (s *session) fail(err error) error {
	if isConnectionError(err) && !errors.Is(err, ErrInvalidSession) {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
	}
	return err
}

// modTime returns the modification time of a file using MDTM (RFC 3659).
func (s *session) modTime(path string) (time.Time, error) {
	resp, err := s.expect2xx("MDTM", path)
	if err != nil {
		return time.Time{}, s.fail(err)
	}

	// YYYYMMDDHHMMSS[.sss], always UTC
	ts, _, _ := strings.Cut(strings.TrimSpace(resp.Message), ".")
	t, err := time.Parse("20060102150405", ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM response: %s", resp.Message)
	}
	return t.UTC(), nil
}

// sizeReply sends SIZE and returns the raw reply, whatever its code, so the
// caller can decide how to read it. Only a closing service is an error.
func (s *session) sizeReply(path string) (string, error) {
	resp, err := s.sendCommand("SIZE", path)
	if err != nil {
		return "", s.fail(err)
	}
	if resp.Code == codeServiceNotAvailable {
		return "", s.fail(&ProtocolError{Command: "SIZE", Response: resp.Message, Code: resp.Code})
	}
	return resp.String(), nil
}

// list returns the entries of dir, using MLSD when the server supports it.
func (s *session) list(dir string) ([]FileRecord, error) {
	cmd := "LIST"
	if _, ok := s.features["MLST"]; ok {
		cmd = "MLSD"
	}

	var (
		dataConn net.Conn
		err      error
	)
	if dir == "" {
		dataConn, err = s.cmdDataConn(cmd)
	} else {
		dataConn, err = s.cmdDataConn(cmd, dir)
	}
	if err != nil {
		return nil, s.fail(err)
	}

	var records []FileRecord
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		line := scanner.Text()
		var (
			rec FileRecord
			ok  bool
		)
		if cmd == "MLSD" {
			rec, ok = parseMLEntry(strings.TrimSpace(line))
		} else {
			rec, ok = parseListLine(line, s.parsers, s.location)
		}
		if !ok {
			continue
		}
		rec.Dir = dir
		records = append(records, rec)
	}
	scanErr := scanner.Err()

	if err := s.finishDataConn(dataConn); err != nil {
		return nil, s.fail(err)
	}
	if scanErr != nil {
		return nil, s.fail(fmt.Errorf("failed to read directory listing: %w", scanErr))
	}
	return records, nil
}

// rename renames a file or directory with RNFR/RNTO.
func (s *session) rename(from, to string) error {
	if _, err := s.expectCode(350, "RNFR", from); err != nil {
		return s.fail(err)
	}
	if _, err := s.expect2xx("RNTO", to); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *session) delete(path string) error {
	_, err := s.expect2xx("DELE", path)
	return s.fail(err)
}

func (s *session) makeDir(path string) error {
	_, err := s.expect2xx("MKD", path)
	return s.fail(err)
}

func (s *session) removeDir(path string) error {
	_, err := s.expect2xx("RMD", path)
	return s.fail(err)
}

func (s *session) changeDir(path string) error {
	_, err := s.expect2xx("CWD", path)
	return s.fail(err)
}

// currentDir returns the working directory reported by PWD.
// Example reply: 257 "/home/user" is the current directory
func (s *session) currentDir() (string, error) {
	resp, err := s.expect2xx("PWD")
	if err != nil {
		return "", s.fail(err)
	}
	msg := resp.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	end := strings.Index(msg[start+1:], "\"")
	if end == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	return msg[start+1 : start+1+end], nil
}

// store uploads r to path with STOR.
func (s *session) store(path string, r io.Reader) error {
	start := time.Now()
	dataConn, err := s.cmdDataConn("STOR", path)
	if err != nil {
		return s.fail(err)
	}

	counter := &transferCounter{path: path, fn: s.progress}
	w := progressWriter{w: ratelimit.NewWriter(dataConn, s.limiter), c: counter}
	_, copyErr := io.CopyBuffer(w, r, make([]byte, s.bufferSize))

	finishErr := s.finishDataConn(dataConn)
	if copyErr != nil {
		return s.fail(fmt.Errorf("upload failed: %w", copyErr))
	}
	if finishErr != nil {
		return s.fail(finishErr)
	}

	s.metrics.RecordTransfer("STOR", counter.total, time.Since(start))
	return nil
}

// retrieve opens a RETR stream. Closing the stream reads the completion reply;
// until then the control channel is busy.
func (s *session) retrieve(path string) (io.ReadCloser, error) {
	dataConn, err := s.cmdDataConn("RETR", path)
	if err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()

	counter := &transferCounter{path: path, fn: s.progress}
	pr := progressReader{r: ratelimit.NewReader(dataConn, s.limiter), c: counter}
	return &retrieveStream{
		s:       s,
		conn:    dataConn,
		r:       bufio.NewReaderSize(pr, s.bufferSize),
		counter: counter,
		start:   time.Now(),
		remote:  path,
	}, nil
}

type retrieveStream struct {
	s       *session
	conn    net.Conn
	r       io.Reader
	counter *transferCounter
	start   time.Time
	remote  string

	once sync.Once
	err  error
}

func (rs *retrieveStream) Read(p []byte) (int, error) {
	return rs.r.Read(p)
}

// Close closes the data connection and reads the transfer completion reply.
func (rs *retrieveStream) Close() error {
	rs.once.Do(func() {
		rs.err = rs.s.fail(rs.s.finishDataConn(rs.conn))

		rs.s.mu.Lock()
		rs.s.busy = false
		rs.s.mu.Unlock()

		if rs.err == nil {
			rs.s.metrics.RecordTransfer("RETR", rs.counter.total, time.Since(rs.start))
		}
	})
	return rs.err
}

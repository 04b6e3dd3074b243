// Package ftptest provides an in-memory FTP/FTPS server for tests.
//
// It implements the subset of RFC 959, 2228, 3659 and 4217 the client uses:
// USER, PASS, AUTH TLS, PBSZ, PROT, TYPE, FEAT, PWD, CWD, MKD, RMD, DELE,
// RNFR, RNTO, MDTM, SIZE, EPSV, PASV, LIST, MLSD, STOR, RETR, NOOP and QUIT.
// Faults can be injected per command.
package ftptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server is a running test server listening on 127.0.0.1.
type Server struct {
	ln       net.Listener
	fs       *memFS
	logger   *slog.Logger
	user     string
	pass     string
	home     string
	noMLST   bool
	implicit bool

	// tlsConfig is shared by every control and data connection so that
	// session tickets issued on one are accepted on the others.
	tlsConfig    *tls.Config
	requireReuse bool

	mu       sync.Mutex
	counts   map[string]int
	faults   map[string][]fault
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type fault struct {
	drop bool
	code int
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials sets the accepted user and password (default "user",
// "pass").
func WithCredentials(user, pass string) Option {
	return func(s *Server) { s.user, s.pass = user, pass }
}

// WithTLS enables AUTH TLS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithImplicitTLS starts TLS on connect with cfg.
func WithImplicitTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig, s.implicit = cfg, true }
}

// WithRequireSessionReuse rejects protected data connections that do not
// resume a TLS session, like vsftpd's require_ssl_reuse.
func WithRequireSessionReuse() Option {
	return func(s *Server) { s.requireReuse = true }
}

// WithHome sets the directory reported by PWD after login. It is created.
func WithHome(dir string) Option {
	return func(s *Server) { s.home = clean(dir) }
}

// WithoutMLST hides MLST from FEAT so clients fall back to LIST.
func WithoutMLST() Option {
	return func(s *Server) { s.noMLST = true }
}

// WithLogger logs every command at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New starts a server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		fs:       newMemFS(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		user:     "user",
		pass:     "pass",
		home:     "/",
		counts:   make(map[string]int),
		faults:   make(map[string][]fault),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fs.mkdirAll(s.home)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops the server and drops every session.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for sess := range s.sessions {
		sess.raw.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// WriteFile creates or replaces a file. A zero mtime means now.
func (s *Server) WriteFile(p string, data []byte, mtime time.Time) error {
	return s.fs.writeFile(p, data, mtime)
}

// ReadFile returns the content of a file.
func (s *Server) ReadFile(p string) ([]byte, bool) {
	n, ok := s.fs.stat(p)
	if !ok || n.dir {
		return nil, false
	}
	return n.data, true
}

// MkdirAll creates a directory and its parents.
func (s *Server) MkdirAll(p string) { s.fs.mkdirAll(p) }

// Exists reports whether a file or directory exists.
func (s *Server) Exists(p string) bool {
	_, ok := s.fs.stat(p)
	return ok
}

// IsDir reports whether p is a directory.
func (s *Server) IsDir(p string) bool {
	n, ok := s.fs.stat(p)
	return ok && n.dir
}

// Entries returns the names in dir, sorted.
func (s *Server) Entries(dir string) []string {
	list, err := s.fs.list(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.name)
	}
	return names
}

// Count returns how often cmd was received.
func (s *Server) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[strings.ToUpper(cmd)]
}

// DropOn closes the control connection, without replying, the next n
// times cmd is received.
func (s *Server) DropOn(cmd string, n int) {
	s.addFault(cmd, fault{drop: true}, n)
}

// FailOn answers the next n cmd commands with code.
func (s *Server) FailOn(cmd string, code, n int) {
	s.addFault(cmd, fault{code: code}, n)
}

func (s *Server) addFault(cmd string, f fault, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd = strings.ToUpper(cmd)
	for range n {
		s.faults[cmd] = append(s.faults[cmd], f)
	}
}

func (s *Server) record(cmd string) (fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[cmd]++
	queue := s.faults[cmd]
	if len(queue) == 0 {
		return fault{}, false
	}
	s.faults[cmd] = queue[1:]
	return queue[0], true
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if s.implicit {
			conn = tls.Server(conn, s.tlsConfig)
		}

		sess := &session{server: s, raw: conn, conn: conn, reader: bufio.NewReader(conn), cwd: "/"}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

type session struct {
	server *Server
	raw    net.Conn
	conn   net.Conn
	reader *bufio.Reader

	user       string
	loggedIn   bool
	cwd        string
	prot       string
	renameFrom string
	pasv       net.Listener
}

type handler func(s *session, arg string)

var handlers = map[string]handler{
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"AUTH": (*session).handleAUTH,
	"PBSZ": (*session).handlePBSZ,
	"PROT": (*session).handlePROT,
	"TYPE": (*session).handleTYPE,
	"FEAT": (*session).handleFEAT,
	"PWD":  (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"MDTM": (*session).handleMDTM,
	"SIZE": (*session).handleSIZE,
	"EPSV": (*session).handleEPSV,
	"PASV": (*session).handlePASV,
	"LIST": (*session).handleLIST,
	"MLSD": (*session).handleMLSD,
	"STOR": (*session).handleSTOR,
	"RETR": (*session).handleRETR,
	"NOOP": func(s *session, _ string) { s.reply(200, "OK.") },
}

// authFree lists the commands allowed before login.
var authFree = map[string]bool{"USER": true, "PASS": true, "AUTH": true, "PBSZ": true, "PROT": true, "FEAT": true}

func (s *session) serve() {
	defer s.close()
	s.reply(220, "ftptest ready.")

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		logArg := arg
		if cmd == "PASS" {
			logArg = "***"
		}
		s.server.logger.Debug("command received", "cmd", cmd, "arg", logArg)

		if f, ok := s.server.record(cmd); ok {
			if f.drop {
				return
			}
			s.reply(f.code, "Injected failure.")
			continue
		}

		if cmd == "QUIT" {
			s.reply(221, "Goodbye.")
			return
		}
		h, ok := handlers[cmd]
		if !ok {
			s.reply(502, "Command not implemented.")
			continue
		}
		if !s.loggedIn && !authFree[cmd] {
			s.reply(530, "Not logged in.")
			continue
		}
		h(s, arg)
	}
}

func (s *session) close() {
	if s.pasv != nil {
		s.pasv.Close()
	}
	s.conn.Close()
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.conn, "%d %s\r\n", code, message)
}

func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "No such file or directory.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File exists.")
	default:
		s.reply(550, "Action failed: "+err.Error())
	}
}

func (s *session) resolve(arg string) string {
	if strings.HasPrefix(arg, "/") {
		return clean(arg)
	}
	return clean(path.Join(s.cwd, arg))
}

func (s *session) handleUSER(arg string) {
	s.user = arg
	s.loggedIn = false
	s.reply(331, "Password required.")
}

func (s *session) handlePASS(arg string) {
	if s.user != s.server.user || arg != s.server.pass {
		s.reply(530, "Login incorrect.")
		return
	}
	s.loggedIn = true
	s.cwd = s.server.home
	s.reply(230, "Logged in.")
}

func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil || s.server.implicit {
		s.reply(502, "TLS not available.")
		return
	}
	if !strings.EqualFold(arg, "TLS") {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	s.reply(234, "AUTH TLS successful.")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
}

func (s *session) handlePBSZ(string) {
	s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) {
	switch strings.ToUpper(arg) {
	case "P", "C":
		s.prot = strings.ToUpper(arg)
		s.reply(200, "PROT "+s.prot+" OK.")
	default:
		s.reply(504, "PROT not implemented.")
	}
}

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "I", "A":
		s.reply(200, "Type set to "+strings.ToUpper(arg)+".")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleFEAT(string) {
	var b strings.Builder
	b.WriteString("211-Features:\r\n")
	if !s.server.noMLST {
		b.WriteString(" MLST type*;size*;modify*;\r\n")
	}
	b.WriteString(" MDTM\r\n SIZE\r\n EPSV\r\n PASV\r\n")
	if s.server.tlsConfig != nil {
		b.WriteString(" AUTH TLS\r\n PBSZ\r\n PROT\r\n")
	}
	b.WriteString("211 End\r\n")
	io.WriteString(s.conn, b.String())
}

func (s *session) handlePWD(string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCWD(arg string) {
	p := s.resolve(arg)
	if n, ok := s.server.fs.stat(p); !ok || !n.dir {
		s.reply(550, "No such directory.")
		return
	}
	s.cwd = p
	s.reply(250, "Directory changed.")
}

func (s *session) handleMKD(arg string) {
	p := s.resolve(arg)
	if err := s.server.fs.mkdir(p); err != nil {
		s.replyError(err)
		return
	}
	s.reply(257, fmt.Sprintf("%q created.", p))
}

func (s *session) handleRMD(arg string) {
	if err := s.server.fs.rmdir(s.resolve(arg)); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if err := s.server.fs.remove(s.resolve(arg)); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	p := s.resolve(arg)
	if !s.server.Exists(p) {
		s.reply(550, "No such file or directory.")
		return
	}
	s.renameFrom = p
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	if s.renameFrom == "" {
		s.reply(503, "RNFR required first.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	if err := s.server.fs.rename(from, s.resolve(arg)); err != nil {
		s.reply(553, "Rename failed.")
		return
	}
	s.reply(250, "Rename successful.")
}

func (s *session) handleMDTM(arg string) {
	n, ok := s.server.fs.stat(s.resolve(arg))
	if !ok || n.dir {
		s.reply(550, "No such file.")
		return
	}
	s.reply(213, n.mtime.UTC().Format("20060102150405"))
}

func (s *session) handleSIZE(arg string) {
	n, ok := s.server.fs.stat(s.resolve(arg))
	if !ok || n.dir {
		s.reply(550, "No such file.")
		return
	}
	s.reply(213, strconv.Itoa(len(n.data)))
}

func (s *session) listen() (int, bool) {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return 0, false
	}
	s.pasv = ln
	return ln.Addr().(*net.TCPAddr).Port, true
}

func (s *session) handleEPSV(string) {
	if port, ok := s.listen(); ok {
		s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
	}
}

func (s *session) handlePASV(string) {
	if port, ok := s.listen(); ok {
		s.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256))
	}
}

// openData replies 150 and accepts the data connection, protecting it when
// PROT P is in effect. On failure the final reply has been sent.
func (s *session) openData(what string) (net.Conn, bool) {
	if s.pasv == nil {
		s.reply(425, "Use PASV or EPSV first.")
		return nil, false
	}
	ln := s.pasv
	s.pasv = nil
	defer ln.Close()

	s.reply(150, "Opening data connection for "+what+".")

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, err := ln.Accept()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return nil, false
	}

	if s.prot != "P" || s.server.tlsConfig == nil {
		return conn, true
	}

	tlsConn := tls.Server(conn, s.server.tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		s.reply(425, "TLS handshake on data connection failed.")
		return nil, false
	}
	_ = tlsConn.SetDeadline(time.Time{})

	if s.server.requireReuse && !tlsConn.ConnectionState().DidResume {
		tlsConn.Close()
		s.reply(522, "SSL connection failed: session reuse required.")
		return nil, false
	}
	return tlsConn, true
}

func (s *session) handleLIST(arg string) {
	s.sendListing(arg, "", func(e listEntry) string {
		perms, size := "-rw-r--r--", len(e.data)
		if e.dir {
			perms, size = "drwxr-xr-x", 4096
		}
		return fmt.Sprintf("%s 1 ftp ftp %d %s %s", perms, size, e.mtime.UTC().Format("Jan _2  2006"), e.name)
	})
}

func (s *session) handleMLSD(arg string) {
	s.sendListing(arg, "type=cdir;modify=19700101000000; .", func(e listEntry) string {
		kind, size := "file", len(e.data)
		if e.dir {
			kind, size = "dir", 0
		}
		return fmt.Sprintf("type=%s;size=%d;modify=%s; %s", kind, size, e.mtime.UTC().Format("20060102150405"), e.name)
	})
}

// sendListing writes header, when set, and one formatted line per entry.
func (s *session) sendListing(arg, header string, format func(listEntry) string) {
	// Ignore LIST flags such as "-a".
	if strings.HasPrefix(arg, "-") {
		arg = ""
	}
	dir := s.cwd
	if arg != "" {
		dir = s.resolve(arg)
	}
	entries, err := s.server.fs.list(dir)
	if err != nil {
		s.replyError(err)
		return
	}

	conn, ok := s.openData("listing")
	if !ok {
		return
	}
	w := bufio.NewWriter(conn)
	if header != "" {
		fmt.Fprintf(w, "%s\r\n", header)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\r\n", format(e))
	}
	err = w.Flush()
	conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.reply(226, "Transfer complete.")
}

func (s *session) handleSTOR(arg string) {
	p := s.resolve(arg)
	if n, ok := s.server.fs.stat(path.Dir(p)); !ok || !n.dir {
		s.reply(553, "No such directory.")
		return
	}

	conn, ok := s.openData("STOR")
	if !ok {
		return
	}
	data, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	if err := s.server.fs.writeFile(p, data, time.Time{}); err != nil {
		s.replyError(err)
		return
	}
	s.reply(226, "Transfer complete.")
}

func (s *session) handleRETR(arg string) {
	n, ok := s.server.fs.stat(s.resolve(arg))
	if !ok || n.dir {
		s.reply(550, "No such file.")
		return
	}

	conn, ok := s.openData("RETR")
	if !ok {
		return
	}
	_, err := conn.Write(n.data)
	conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.reply(226, "Transfer complete.")
}

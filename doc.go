// Package ftps implements a resilient FTPS file transfer engine.
//
// # Overview
//
// The package sits on top of a small FTP/FTPS protocol layer and provides:
//   - Explicit (AUTH TLS) and implicit TLS, with PEM, PKCS#12 and JKS trust
//     and key stores
//   - Data channels that resume the control channel's TLS session, as
//     required by vsftpd, FileZilla Server and ProFTPD in their default setup
//   - One automatic reconnect and retry when a session is lost or a data
//     channel cannot resume the TLS session
//   - Size stability checks for files that may still be written
//   - Staged uploads and downloads using "__<timestamp>_<name>" intermediate
//     names, so other consumers never see partial files
//   - Lazily opened download streams that delete or restore the remote file
//     when closed
//   - A directory poller with post actions and an in-memory watermark
//
// # Basic Usage
//
//	cfg := ftps.DefaultConfig()
//	cfg.Host = "ftp.example.com"
//	cfg.Username = "user"
//	cfg.Password = "secret"
//	cfg.TrustStore = ftps.TrustStore{Path: "/etc/ssl/ftp-ca.pem"}
//
//	p, err := ftps.NewProvider(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	ops := ftps.NewOperations(p)
//	results, err := ops.List(ctx, ftps.ListRequest{
//	    Dir:       "/outbox",
//	    Match:     ftps.MatchGlob("*.csv"),
//	    SizeCheck: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, res := range results {
//	    _, err := io.Copy(dst, res.Stream)
//	    res.Stream.Close()
//	}
//
// # Clients
//
// A Client is one FTP session and is not safe for concurrent use. Every
// operation issues PBSZ 0, PROT P and TYPE I first. When an operation fails
// because the session is unusable, the Client logs out, connects again and
// repeats the operation once:
//
//	c, err := p.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	mtime, err := c.ModTime("/outbox/report.csv")
//	if errors.Is(err, ftps.ErrNotFound) {
//	    // ...
//	}
//
// # Errors
//
// Every error returned by Client, Operations and Poller matches one of
// ErrConnection, ErrNotFound, ErrAlreadyExists, ErrStillWriting,
// ErrOperationFailed or ErrInvalidArgument with errors.Is. An *OpError
// carries the operation and the path; a *ProtocolError in its chain carries
// the server reply.
//
// # Logging and Metrics
//
// Pass a *slog.Logger with WithLogger. Commands and replies are logged at
// debug level, or at info level with Config.DebugCommands. Passwords are
// masked. WithMetrics accepts any MetricsCollector; the metrics package
// provides one backed by Prometheus.
package ftps

package ftps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is1xx returns true if the response code is in the 1xx range (preliminary).
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads a complete FTP response from the reader.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		if len(line) == 3 {
			// Some servers omit the trailing space on bare replies.
			line += " "
		} else {
			return nil, fmt.Errorf("invalid response line: %q", line)
		}
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}
	if line[3] == ' ' {
		return &Response{Code: code, Message: line[4:], Lines: lines}, nil
	}
	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	if err := readMultiLine(r, code, &lines); err != nil {
		return nil, err
	}

	var messageLines []string
	for _, l := range lines {
		switch {
		case len(l) > 0 && l[0] == ' ':
			messageLines = append(messageLines, strings.TrimSpace(l))
		case len(l) > 4:
			messageLines = append(messageLines, l[4:])
		}
	}

	return &Response{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

func readMultiLine(r *bufio.Reader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// RFC 2389 continuation lines start with a space.
		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != codeStr {
			// Free-form continuation text.
			*lines = append(*lines, line)
			continue
		}

		*lines = append(*lines, line)
		if line[3] == ' ' {
			return nil
		}
	}
}

// sendCommand sends an FTP command and returns the response.
func (s *session) sendCommand(command string, args ...string) (*Response, error) {
	cmd := command
	if len(args) > 0 {
		cmd = fmt.Sprintf("%s %s", command, strings.Join(args, " "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, fmt.Errorf("%s: %w", command, net.ErrClosed)
	}

	s.echo("ftp command", "cmd", maskCommand(command, cmd))

	if s.socketTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.socketTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(s.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", command, err)
	}

	resp, err := s.readReply()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", command, err)
	}

	s.echo("ftp response", "code", resp.Code, "message", resp.Message)
	return resp, nil
}

// readReply reads the next reply from the control channel. Callers hold s.mu
// or own the session exclusively.
func (s *session) readReply() (*Response, error) {
	if s.socketTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.socketTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	return readResponse(s.reader)
}

// echo logs protocol chatter at debug level, or at info level when command
// echo is enabled in the configuration.
func (s *session) echo(msg string, args ...any) {
	level := slog.LevelDebug
	if s.debugCommands {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, msg, args...)
}

func maskCommand(command, full string) string {
	if strings.EqualFold(command, "PASS") {
		return "PASS ****"
	}
	return full
}

// expectCode sends a command and verifies the response code matches the expected code.
func (s *session) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := s.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, &ProtocolError{
			Command:  command,
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (s *session) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := s.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, &ProtocolError{
			Command:  command,
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

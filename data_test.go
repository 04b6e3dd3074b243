package ftps

import (
	"crypto/tls"
	"net"
	"testing"
)

func TestParsePASV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{
			name:  "standard",
			reply: "227 Entering Passive Mode (192,168,1,1,195,149)",
			want:  "192.168.1.1:50069",
		},
		{
			name:  "trailing dot",
			reply: "227 Entering Passive Mode (127,0,0,1,4,1).",
			want:  "127.0.0.1:1025",
		},
		{
			name:    "octet out of range",
			reply:   "227 Entering Passive Mode (300,0,0,1,4,1)",
			wantErr: true,
		},
		{
			name:    "port part out of range",
			reply:   "227 Entering Passive Mode (127,0,0,1,256,1)",
			wantErr: true,
		},
		{
			name:    "missing tuple",
			reply:   "227 Entering Passive Mode",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePASV(tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePASV() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parsePASV() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEPSV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply   string
		want    string
		wantErr bool
	}{
		{"229 Entering Extended Passive Mode (|||6446|)", "6446", false},
		{"229 Entering Extended Passive Mode (|||0|)", "", true},
		{"229 Entering Extended Passive Mode (|||70000|)", "", true},
		{"229 Entering Extended Passive Mode", "", true},
	}
	for _, tt := range tests {
		got, err := parseEPSV(tt.reply)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEPSV(%q) error = %v, wantErr %v", tt.reply, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEPSV(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		pasvAddr    string
		controlHost string
		wantAddr    string
	}{
		{
			name:        "normal address",
			pasvAddr:    "192.168.1.5:12345",
			controlHost: "10.0.0.1",
			wantAddr:    "192.168.1.5:12345",
		},
		{
			name:        "zero address",
			pasvAddr:    "0.0.0.0:12345",
			controlHost: "10.0.0.1",
			wantAddr:    "10.0.0.1:12345",
		},
		{
			name:        "invalid address",
			pasvAddr:    "invalid",
			controlHost: "10.0.0.1",
			wantAddr:    "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveDataAddr(tt.pasvAddr, tt.controlHost)
			if got != tt.wantAddr {
				t.Errorf("resolveDataAddr() = %v, want %v", got, tt.wantAddr)
			}
		})
	}
}

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func TestTLSCacheKey(t *testing.T) {
	t.Parallel()
	conn := addrConn{remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 50021}}

	if got := tlsCacheKey(&tls.Config{ServerName: "ftp.example.com"}, conn); got != "ftp.example.com" {
		t.Errorf("with server name: key = %q", got)
	}
	if got := tlsCacheKey(&tls.Config{}, conn); got != "10.0.0.7:50021" {
		t.Errorf("without server name: key = %q", got)
	}
}

package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities (RFC 3164).
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityAuth   = 4
	FacilitySyslog = 5
	FacilityLocal0 = 16
	FacilityLocal1 = 17
	FacilityLocal2 = 18
	FacilityLocal3 = 19
	FacilityLocal4 = 20
	FacilityLocal5 = 21
	FacilityLocal6 = 22
	FacilityLocal7 = 23
)

const syslogTag = "tetherd"

// SyslogClient sends RFC 3164 messages to one collector over UDP.
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	Facility    int
	MinSeverity int // 0 = no filter
}

// NewSyslogClient dials host:port over UDP. The facility defaults to daemon.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = syslogTag
	}
	return &SyslogClient{conn: conn, hostname: hostname, Facility: FacilityDaemon}, nil
}

// Send writes one message at the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		priority, time.Now().Format(time.Stamp), s.hostname, syslogTag, os.Getpid(), msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name. Unknown names mean no filter (0).
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

var facilities = map[string]int{
	"kern": FacilityKern, "user": FacilityUser, "daemon": FacilityDaemon,
	"auth": FacilityAuth, "syslog": FacilitySyslog,
	"local0": FacilityLocal0, "local1": FacilityLocal1, "local2": FacilityLocal2,
	"local3": FacilityLocal3, "local4": FacilityLocal4, "local5": FacilityLocal5,
	"local6": FacilityLocal6, "local7": FacilityLocal7,
}

// ParseFacility converts a facility name. Empty selects daemon; other unknown
// names select local0.
func ParseFacility(name string) int {
	if name == "" {
		return FacilityDaemon
	}
	if f, ok := facilities[name]; ok {
		return f
	}
	return FacilityLocal0
}

func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

package stratum

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dvandal/cnpool/pkg/log"
)

const (
	writeTimeout  = 10 * time.Second
	outboundDepth = 32
)

// httpProbeReply is served to load balancer health checks and stray
// browsers hitting a stratum port.
const httpProbeReply = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 20\r\nConnection: close\r\n\r\nMining server online\n"

// Session is one miner TCP (or TLS) connection. It owns the socket and the
// read/write loops; protocol handling is delegated to the server's handler.
type Session struct {
	ID       string
	RemoteIP string
	Port     int

	conn      net.Conn
	logger    *log.Logger
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readLimit int

	mu    sync.Mutex
	miner *Miner

	onMessage func(*Session, *Request)
	onClose   func(*Session)
}

// NewSession wraps an accepted connection. readLimit caps the bytes a
// single line may carry before the socket is destroyed as a flood.
func NewSession(id string, conn net.Conn, port, readLimit int, logger *log.Logger, onMessage func(*Session, *Request), onClose func(*Session)) *Session {
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	return &Session{
		ID:        id,
		RemoteIP:  ip,
		Port:      port,
		conn:      conn,
		logger:    logger.WithFields("session_id", id, "remote_ip", ip),
		outbound:  make(chan []byte, outboundDepth),
		closed:    make(chan struct{}),
		readLimit: readLimit,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Miner returns the mining state, nil before a successful login
func (s *Session) Miner() *Miner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.miner
}

// SetMiner attaches the mining state after login
func (s *Session) SetMiner(m *Miner) {
	s.mu.Lock()
	s.miner = m
	s.mu.Unlock()
}

// Serve runs the session's read and write loops. Blocks until the
// connection closes.
func (s *Session) Serve() {
	go s.writeLoop()
	s.readLoop()
	s.Close()
}

func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), s.readLimit)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// A plain HTTP request on a stratum port gets a static probe
		// reply instead of a JSON parse error.
		if strings.HasPrefix(line, "GET ") || strings.HasPrefix(line, "HEAD ") {
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.Write([]byte(httpProbeReply))
			return
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.WithError(err).Debug("malformed request line")
			s.SendError(nil, ErrCodeInvalid, "Invalid JSON")
			continue
		}
		s.onMessage(s, &req)
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			s.logger.Warn("socket flood detected, destroying connection",
				"limit_bytes", s.readLimit)
		} else {
			s.logger.WithError(err).Debug("read loop terminated")
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(msg); err != nil {
				s.logger.WithError(err).Debug("write failed")
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal outbound message")
		return
	}
	data = append(data, '\n')

	select {
	case s.outbound <- data:
	case <-s.closed:
	default:
		// Outbound queue full: the peer is not draining, drop it.
		s.logger.Warn("outbound queue full, closing session")
		s.Close()
	}
}

// SendResult replies to a request with a success result
func (s *Session) SendResult(id json.RawMessage, result interface{}) {
	s.enqueue(&Response{ID: id, Jsonrpc: "2.0", Result: result})
}

// SendError replies to a request with an error
func (s *Session) SendError(id json.RawMessage, code int, message string) {
	s.enqueue(&Response{ID: id, Jsonrpc: "2.0", Error: &ErrorReply{Code: code, Message: message}})
}

// PushJob sends a server-initiated job notification
func (s *Session) PushJob(job interface{}) {
	s.enqueue(&Notification{Jsonrpc: "2.0", Method: "job", Params: job})
}

// Close tears the connection down. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Closed reports whether the session has been torn down
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

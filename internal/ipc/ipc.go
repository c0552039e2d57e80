package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

// windowsSocketAddr is the loopback address used where unix sockets are
// unavailable. The command socket carries unauthenticated owner commands.
var windowsSocketAddr = "127.0.0.1:7070"

var commandID atomic.Int64
var osType = runtime.GOOS

func generateCommandID() int {
	return int(commandID.Add(1))
}

// NewServer listens on a unix socket at path, or on a local TCP port on Windows.
func NewServer(path string) (*Server, error) {
	var listener net.Listener
	var err error

	if osType == "windows" {
		listener, err = net.Listen("tcp", windowsSocketAddr)
	} else {
		if _, err := os.Stat(path); err == nil {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to remove existing socket file: %w", err)
			}
		}
		listener, err = net.Listen("unix", path)
	}
	if err != nil {
		return nil, err
	}

	server := &Server{
		listener:    listener,
		path:        path,
		commands:    make(chan Command),
		connections: make(map[int]net.Conn),
		closed:      make(chan struct{}),
	}
	go server.accept()
	return server, nil
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var cmd Command
		if err := dec.Decode(&cmd); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Warn("failed to read ipc command", "err", err)
			}
			conn.Close()
			return
		}
		if cmd.ID <= 0 {
			logger.Warn("ipc command without id", "command", cmd.Command)
			continue
		}

		s.mutex.Lock()
		s.connections[cmd.ID] = conn
		s.mutex.Unlock()

		select {
		case s.commands <- cmd:
		case <-s.closed:
			conn.Close()
			return
		}
	}
}

func (s *Server) Commands() <-chan Command {
	return s.commands
}

// SendResponse writes the response to the connection that sent command id and
// closes it.
func (s *Server) SendResponse(id int, response Response) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, exists := s.connections[id]
	if !exists {
		logger.Warn("connection for command not found", "id", id)
		return
	}
	delete(s.connections, id)
	defer conn.Close()

	data, err := json.Marshal(response)
	if err != nil {
		logger.Error("failed to marshal ipc response", "id", id, "err", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		logger.Error("failed to write ipc response", "id", id, "err", err)
	}
}

// Close stops accepting connections. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		if osType != "windows" {
			os.Remove(s.path)
		}
	})
	return err
}

func NewClient(path string) (*Client, error) {
	var conn net.Conn
	var err error

	if osType == "windows" {
		conn, err = net.Dial("tcp", windowsSocketAddr)
	} else {
		conn, err = net.Dial("unix", path)
	}
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// SendCommand sends one command and decodes the result into out, which may be nil.
func (c *Client) SendCommand(command string, args []string, out interface{}) error {
	cmd := Command{
		ID:      generateCommandID(),
		Command: command,
		Args:    args,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("error marshaling command: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("error writing command to connection: %w", err)
	}

	responseData, err := io.ReadAll(c.conn)
	if err != nil {
		return fmt.Errorf("error reading response from connection: %w", err)
	}
	var resp reply
	if err := json.Unmarshal(responseData, &resp); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	if resp.Error != "" {
		if out != nil && len(resp.Result) > 0 {
			json.Unmarshal(resp.Result, out)
		}
		return errors.New(resp.Error)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("error decoding result: %w", err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

package ipc

import (
	"encoding/json"
	"net"
	"sync"
)

type Command struct {
	ID      int      `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Response struct {
	ID     int         `json:"id"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// reply is Response as seen by the client, with the result left undecoded.
type reply struct {
	ID     int             `json:"id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type Server struct {
	listener    net.Listener
	path        string
	commands    chan Command
	mutex       sync.Mutex
	connections map[int]net.Conn // Maps command ID to the client connection
	closed      chan struct{}
	closeOnce   sync.Once
}

type Client struct {
	conn net.Conn
}

// SettlementResult is the build-settlement reply.
type SettlementResult struct {
	TxHash   string `json:"tx_hash"`
	TxID     string `json:"txid,omitempty"`
	Raw      string `json:"raw"`
	Requests int    `json:"requests"`
	Inputs   int    `json:"inputs"`
	TxFee    uint64 `json:"tx_fee"`
}

// HostResult is the reply to a plaintext owner command.
type HostResult struct {
	Status string `json:"status"`
}

// Package stratum implements the CryptoNote stratum-like JSON line protocol
// and the per-connection mining session state.
package stratum

import (
	"encoding/json"
)

// Request is a single JSON-RPC request line from a miner
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a JSON-RPC reply to a miner request
type Response struct {
	ID      json.RawMessage `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ErrorReply     `json:"error,omitempty"`
}

// Notification is a server-initiated push, e.g. a new job
type Notification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// ErrorReply is the error object embedded in a failed response
type ErrorReply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LoginParams carries the login method parameters
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
	RigID string `json:"rigid,omitempty"`
}

// GetJobParams identifies the session asking for work
type GetJobParams struct {
	ID string `json:"id"`
}

// SubmitParams carries a share submission. PoolNonce and WorkerNonce are
// only present for proxy connections subdividing the nonce space.
type SubmitParams struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	Nonce       string       `json:"nonce"`
	Result      string       `json:"result"`
	PoolNonce   *json.Number `json:"poolNonce,omitempty"`
	WorkerNonce *json.Number `json:"workerNonce,omitempty"`
}

// KeepalivedParams identifies the session sending a heartbeat
type KeepalivedParams struct {
	ID string `json:"id"`
}

// JobReply is the job payload pushed to a regular miner
type JobReply struct {
	Blob         string `json:"blob"`
	JobID        string `json:"job_id"`
	Target       string `json:"target"`
	ID           string `json:"id"`
	SeedHash     string `json:"seed_hash,omitempty"`
	NextSeedHash string `json:"next_seed_hash,omitempty"`
	Algo         string `json:"algo,omitempty"`
	Height       int64  `json:"height,omitempty"`
}

// ProxyJobReply is the job payload pushed to a downstream pool proxy. It
// exposes the raw template and nonce slot offsets instead of a ready blob.
type ProxyJobReply struct {
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	ReservedOffset    int    `json:"reserved_offset"`
	ClientNonceOffset int    `json:"client_nonce_offset"`
	ClientPoolOffset  int    `json:"client_pool_offset"`
	TargetDiff        int64  `json:"target_diff"`
	JobID             string `json:"job_id"`
	ID                string `json:"id"`
	SeedHash          string `json:"seed_hash,omitempty"`
	NextSeedHash      string `json:"next_seed_hash,omitempty"`
	Algo              string `json:"algo,omitempty"`
	Height            int64  `json:"height,omitempty"`
}

// LoginReply answers a successful login with the session id and first job
type LoginReply struct {
	ID     string      `json:"id"`
	Job    interface{} `json:"job"`
	Status string      `json:"status"`
}

// StatusReply is the generic {"status":"OK"} result
type StatusReply struct {
	Status string `json:"status"`
}

// Stratum error codes follow the de facto CryptoNote pool convention.
const (
	ErrCodeInvalid = -1
)

// Share rejection messages sent on the wire.
const (
	MsgUnauthenticated = "Unauthenticated"
	MsgInvalidJob      = "Invalid job id"
	MsgBlockExpired    = "Block expired"
	MsgDuplicateShare  = "Duplicate share"
	MsgLowDifficulty   = "Low difficulty share"
	MsgInvalidNonce    = "Malformed nonce"
	MsgInvalidAddress  = "Invalid address used for login"
	MsgInvalidPayID    = "Invalid payment ID"
	MsgBanned          = "Your IP is banned"
)

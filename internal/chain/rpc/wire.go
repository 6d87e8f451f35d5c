// Package rpc speaks JSON-RPC 2.0 to a ledger node. It provides both the client
// used by the server and a handler that exposes any chain.Client over HTTP.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"anchorid/internal/chain"
)

// Method names exposed by a ledger node.
const (
	MethodChainID            = "ledger_chainId"
	MethodCall               = "ledger_call"
	MethodTransactionCount   = "ledger_getTransactionCount"
	MethodSendRawTransaction = "ledger_sendRawTransaction"
	MethodReceipt            = "ledger_getTransactionReceipt"
)

// Error codes in the implementation-defined server range.
const (
	codeParse           = -32700
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeServer          = -32000
	codeNonceMismatch   = -32010
	codeBadSignature    = -32011
	codeWrongChain      = -32012
	codeInsufficient    = -32013
	codeUnknownTx       = -32014
	codeExecutionFailed = -32015
)

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps node error codes back onto the chain package's sentinel errors.
func (e *Error) Unwrap() error {
	switch e.Code {
	case codeNonceMismatch:
		return chain.ErrNonceMismatch
	case codeBadSignature:
		return chain.ErrBadSignature
	case codeWrongChain:
		return chain.ErrWrongChain
	case codeInsufficient:
		return chain.ErrInsufficient
	case codeUnknownTx:
		return chain.ErrUnknownTx
	case codeExecutionFailed:
		return chain.ErrReverted
	}
	return nil
}

func errorFor(err error) *Error {
	code := codeServer
	switch {
	case errors.Is(err, chain.ErrNonceMismatch):
		code = codeNonceMismatch
	case errors.Is(err, chain.ErrBadSignature):
		code = codeBadSignature
	case errors.Is(err, chain.ErrWrongChain):
		code = codeWrongChain
	case errors.Is(err, chain.ErrInsufficient):
		code = codeInsufficient
	case errors.Is(err, chain.ErrUnknownTx):
		code = codeUnknownTx
	case errors.Is(err, chain.ErrReverted):
		code = codeExecutionFailed
	}
	return &Error{Code: code, Message: err.Error()}
}

// callArgs is the wire form of chain.CallMsg.
type callArgs struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data"`
}

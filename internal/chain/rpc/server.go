package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
)

// Server exposes a chain.Client as a JSON-RPC node.
type Server struct {
	backend chain.Client
	logger  *slog.Logger
}

func NewServer(backend chain.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.write(w, response{JSONRPC: "2.0", Error: &Error{Code: codeParse, Message: "parse error"}})
		return
	}
	result, rpcErr := s.dispatch(r, req)
	resp := response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		b, err := json.Marshal(result)
		if err != nil {
			resp.Error = &Error{Code: codeServer, Message: err.Error()}
		} else {
			resp.Result = b
		}
	}
	s.write(w, resp)
}

func (s *Server) dispatch(r *http.Request, req request) (any, *Error) {
	ctx := r.Context()
	switch req.Method {
	case MethodChainID:
		id, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, errorFor(err)
		}
		return encodeQuantity(id), nil

	case MethodCall:
		var args callArgs
		if err := param(req, 0, &args); err != nil {
			return nil, err
		}
		to, ok := identity.Normalize(args.To)
		if !ok {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid to address"}
		}
		from, _ := identity.Normalize(args.From)
		data, err := chain.DecodeHex(args.Data)
		if err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid call data"}
		}
		ret, err := s.backend.Call(ctx, chain.CallMsg{From: from, To: to, Data: data})
		if err != nil {
			return nil, errorFor(err)
		}
		return chain.EncodeHex(ret), nil

	case MethodTransactionCount:
		var raw string
		if err := param(req, 0, &raw); err != nil {
			return nil, err
		}
		account, ok := identity.Normalize(raw)
		if !ok {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid account"}
		}
		n, err := s.backend.PendingNonce(ctx, account)
		if err != nil {
			return nil, errorFor(err)
		}
		return encodeQuantity(new(big.Int).SetUint64(n)), nil

	case MethodSendRawTransaction:
		var raw string
		if err := param(req, 0, &raw); err != nil {
			return nil, err
		}
		b, err := chain.DecodeHex(raw)
		if err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "invalid raw transaction"}
		}
		var tx chain.SignedTransaction
		if err := tx.UnmarshalBinary(b); err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
		}
		h, err := s.backend.SendTransaction(ctx, &tx)
		if err != nil {
			s.logger.WarnContext(ctx, "rejected raw transaction", "error", err)
			return nil, errorFor(err)
		}
		return h, nil

	case MethodReceipt:
		var h chain.Hash
		if err := param(req, 0, &h); err != nil {
			return nil, err
		}
		receipt, err := s.backend.Receipt(ctx, h)
		if errors.Is(err, chain.ErrReceiptPending) {
			return nil, nil
		}
		if err != nil {
			return nil, errorFor(err)
		}
		return receipt, nil
	}
	return nil, &Error{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
}

func param(req request, i int, out any) *Error {
	if i >= len(req.Params) {
		return &Error{Code: codeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(req.Params[i], out); err != nil {
		return &Error{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *Server) write(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

package ledger

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"

	"agentmesh/core/fault"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// RPCServer exposes a Gateway over JSON-RPC. Typed faults travel in the
// error data payload so the Client can rebuild them on the far side.
type RPCServer struct {
	gateway   Gateway
	authToken string
}

// NewRPCServer wraps the gateway. An empty authToken disables bearer checks.
func NewRPCServer(gateway Gateway, authToken string) *RPCServer {
	return &RPCServer{gateway: gateway, authToken: strings.TrimSpace(authToken)}
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type faultData struct {
	Kind string `json:"kind"`
	Code string `json:"code"`
}

func (s *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeRPCError(w, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		writeRPCError(w, nil, codeUnauthorized, "invalid or missing bearer token", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeRPCError(w, nil, codeParseError, "unable to read request body", nil)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, codeParseError, "malformed JSON-RPC request", nil)
		return
	}

	result, rpcErr := s.dispatch(r, &req)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

func (s *RPCServer) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.authToken)) == 1
}

func (s *RPCServer) dispatch(r *http.Request, req *rpcRequest) (interface{}, *rpcError) {
	ctx := r.Context()
	switch req.Method {
	case "escrow_create":
		var p struct {
			Payer          string `json:"payer"`
			Payee          string `json:"payee"`
			Amount         string `json:"amount"`
			Description    string `json:"description"`
			ExpirationDays int    `json:"expirationDays"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		in := EscrowCreateInput{Description: p.Description, ExpirationDays: p.ExpirationDays}
		if err := decodeHex20(p.Payer, &in.Payer); err != nil {
			return nil, invalidParams("payer must be 20-byte hex")
		}
		if err := decodeHex20(p.Payee, &in.Payee); err != nil {
			return nil, invalidParams("payee must be 20-byte hex")
		}
		in.Amount = new(big.Int)
		if _, ok := in.Amount.SetString(p.Amount, 10); !ok {
			return nil, invalidParams("amount must be a base-10 integer")
		}
		esc, err := s.gateway.SubmitEscrowCreate(ctx, in)
		if err != nil {
			return nil, faultError(err)
		}
		return encodeEscrow(esc), nil

	case "escrow_release", "escrow_refund", "escrow_dispute", "escrow_claimExpired":
		var p struct {
			ID     string `json:"id"`
			Caller string `json:"caller"`
			Reason string `json:"reason"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var id [32]byte
		var caller [20]byte
		if err := decodeHex32(p.ID, &id); err != nil {
			return nil, invalidParams("id must be 32-byte hex")
		}
		if err := decodeHex20(p.Caller, &caller); err != nil {
			return nil, invalidParams("caller must be 20-byte hex")
		}
		var esc *escrow.Escrow
		var err error
		switch req.Method {
		case "escrow_release":
			esc, err = s.gateway.SubmitEscrowRelease(ctx, id, caller)
		case "escrow_refund":
			esc, err = s.gateway.SubmitEscrowRefund(ctx, id, caller)
		case "escrow_dispute":
			esc, err = s.gateway.SubmitEscrowDispute(ctx, id, caller, p.Reason)
		default:
			esc, err = s.gateway.SubmitEscrowExpireClaim(ctx, id, caller)
		}
		if err != nil {
			return nil, faultError(err)
		}
		return encodeEscrow(esc), nil

	case "escrow_get":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var id [32]byte
		if err := decodeHex32(p.ID, &id); err != nil {
			return nil, invalidParams("id must be 32-byte hex")
		}
		esc, err := s.gateway.QueryEscrow(ctx, id)
		if err != nil {
			return nil, faultError(err)
		}
		return encodeEscrow(esc), nil

	case "escrow_listByParty":
		var p struct {
			Party string `json:"party"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var party [20]byte
		if err := decodeHex20(p.Party, &party); err != nil {
			return nil, invalidParams("party must be 20-byte hex")
		}
		list, err := s.gateway.ListEscrowsByParty(ctx, party)
		if err != nil {
			return nil, faultError(err)
		}
		out := make([]escrowDTO, 0, len(list))
		for _, esc := range list {
			out = append(out, encodeEscrow(esc))
		}
		return out, nil

	case "registry_register":
		var p struct {
			Address     string `json:"address"`
			DisplayName string `json:"displayName"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var addr [20]byte
		if err := decodeHex20(p.Address, &addr); err != nil {
			return nil, invalidParams("address must be 20-byte hex")
		}
		entry, err := s.gateway.SubmitRegistryRegister(ctx, addr, p.DisplayName)
		if err != nil {
			return nil, faultError(err)
		}
		return encodeEntry(entry), nil

	case "registry_addFeedback":
		var p struct {
			AgentID      string `json:"agentId"`
			Rater        string `json:"rater"`
			Score        uint8  `json:"score"`
			PaymentProof string `json:"paymentProof"`
			Comment      string `json:"comment"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var agentID [32]byte
		var rater [20]byte
		if err := decodeHex32(p.AgentID, &agentID); err != nil {
			return nil, invalidParams("agentId must be 32-byte hex")
		}
		if err := decodeHex20(p.Rater, &rater); err != nil {
			return nil, invalidParams("rater must be 20-byte hex")
		}
		fb, err := s.gateway.SubmitFeedback(ctx, agentID, rater, p.Score, p.PaymentProof, p.Comment)
		if err != nil {
			return nil, faultError(err)
		}
		return encodeFeedback(*fb), nil

	case "registry_get":
		var p struct {
			Address string `json:"address"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var addr [20]byte
		if err := decodeHex20(p.Address, &addr); err != nil {
			return nil, invalidParams("address must be 20-byte hex")
		}
		entry, err := s.gateway.QueryIdentityEntry(ctx, addr)
		if err != nil {
			return nil, faultError(err)
		}
		return encodeEntry(entry), nil

	case "registry_tally":
		var p struct {
			AgentID string `json:"agentId"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var agentID [32]byte
		if err := decodeHex32(p.AgentID, &agentID); err != nil {
			return nil, invalidParams("agentId must be 32-byte hex")
		}
		tally, err := s.gateway.QueryReputationTally(ctx, agentID)
		if err != nil {
			return nil, faultError(err)
		}
		return tally, nil

	case "registry_feedback":
		var p struct {
			AgentID string `json:"agentId"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var agentID [32]byte
		if err := decodeHex32(p.AgentID, &agentID); err != nil {
			return nil, invalidParams("agentId must be 32-byte hex")
		}
		list, err := s.gateway.QueryFeedback(ctx, agentID)
		if err != nil {
			return nil, faultError(err)
		}
		out := make([]feedbackDTO, 0, len(list))
		for _, fb := range list {
			out = append(out, encodeFeedback(fb))
		}
		return out, nil

	case "account_get":
		var p struct {
			Address string `json:"address"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var addr [20]byte
		if err := decodeHex20(p.Address, &addr); err != nil {
			return nil, invalidParams("address must be 20-byte hex")
		}
		acc, err := s.gateway.QueryAccount(ctx, addr)
		if err != nil {
			return nil, faultError(err)
		}
		return map[string]interface{}{
			"nonce":   acc.Nonce,
			"balance": acc.Balance.String(),
		}, nil
	}

	return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
}

func unmarshalParams(req *rpcRequest, out interface{}) *rpcError {
	if len(req.Params) != 1 {
		return invalidParams("expected a single params object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams("malformed params object")
	}
	return nil
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: msg}
}

// faultError packs a typed fault into the RPC error payload. Plain errors
// carry no data and surface as generic server errors.
func faultError(err error) *rpcError {
	code := fault.CodeOf(err)
	if code == "" {
		return &rpcError{Code: codeServerError, Message: err.Error()}
	}
	return &rpcError{
		Code:    codeServerError,
		Message: err.Error(),
		Data:    faultData{Kind: string(fault.KindOf(err)), Code: code},
	}
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}

func encodeEscrow(e *escrow.Escrow) escrowDTO {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return escrowDTO{
		ID:            hex.EncodeToString(e.ID[:]),
		Payer:         hex.EncodeToString(e.Payer[:]),
		Payee:         hex.EncodeToString(e.Payee[:]),
		Amount:        amount,
		Description:   e.Description,
		Status:        e.Status.String(),
		CreatedAt:     e.CreatedAt,
		CompletedAt:   e.CompletedAt,
		ExpiresAt:     e.ExpiresAt,
		DisputeReason: e.DisputeReason,
		DisputedAt:    e.DisputedAt,
	}
}

func encodeEntry(entry *registry.Entry) entryDTO {
	return entryDTO{
		ID:           hex.EncodeToString(entry.ID[:]),
		Address:      hex.EncodeToString(entry.Address[:]),
		DisplayName:  entry.DisplayName,
		RegisteredAt: entry.RegisteredAt,
		Active:       entry.Active,
	}
}

func encodeFeedback(fb registry.FeedbackEntry) feedbackDTO {
	return feedbackDTO{
		AgentID:      hex.EncodeToString(fb.AgentID[:]),
		Rater:        hex.EncodeToString(fb.Rater[:]),
		Score:        fb.Score,
		PaymentProof: fb.PaymentProof,
		Comment:      fb.Comment,
		CreatedAt:    fb.CreatedAt,
	}
}

package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"agentmesh/core/fault"
	"agentmesh/core/types"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

// Client is a thin JSON-RPC Gateway implementation for talking to a remote
// ledger node. Transport timeouts surface as ErrTimeout; node rejections are
// reconstructed into the same typed faults the in-process engines return, so
// callers branch identically against either implementation.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient builds a client with a bounded request timeout.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Kind string `json:"kind,omitempty"`
		Code string `json:"code,omitempty"`
	} `json:"data"`
}

// escrowDTO mirrors the JSON the node returns for escrow queries.
type escrowDTO struct {
	ID            string `json:"id"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Amount        string `json:"amount"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
	ExpiresAt     int64  `json:"expiresAt"`
	DisputeReason string `json:"disputeReason,omitempty"`
	DisputedAt    int64  `json:"disputedAt,omitempty"`
}

type entryDTO struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	DisplayName  string `json:"displayName"`
	RegisteredAt int64  `json:"registeredAt"`
	Active       bool   `json:"active"`
}

type feedbackDTO struct {
	AgentID      string `json:"agentId"`
	Rater        string `json:"rater"`
	Score        uint8  `json:"score"`
	PaymentProof string `json:"paymentProof,omitempty"`
	Comment      string `json:"comment,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

func (c *Client) SubmitEscrowCreate(ctx context.Context, in EscrowCreateInput) (*escrow.Escrow, error) {
	amount := "0"
	if in.Amount != nil {
		amount = in.Amount.String()
	}
	params := map[string]interface{}{
		"payer":          hex.EncodeToString(in.Payer[:]),
		"payee":          hex.EncodeToString(in.Payee[:]),
		"amount":         amount,
		"description":    in.Description,
		"expirationDays": in.ExpirationDays,
	}
	var dto escrowDTO
	if err := c.call(ctx, "escrow_create", []interface{}{params}, &dto); err != nil {
		return nil, err
	}
	return decodeEscrow(dto)
}

func (c *Client) SubmitEscrowRelease(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return c.escrowTransition(ctx, "escrow_release", id, caller, nil)
}

func (c *Client) SubmitEscrowRefund(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return c.escrowTransition(ctx, "escrow_refund", id, caller, nil)
}

func (c *Client) SubmitEscrowDispute(ctx context.Context, id [32]byte, caller [20]byte, reason string) (*escrow.Escrow, error) {
	return c.escrowTransition(ctx, "escrow_dispute", id, caller, map[string]string{"reason": reason})
}

func (c *Client) SubmitEscrowExpireClaim(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return c.escrowTransition(ctx, "escrow_claimExpired", id, caller, nil)
}

func (c *Client) escrowTransition(ctx context.Context, method string, id [32]byte, caller [20]byte, extra map[string]string) (*escrow.Escrow, error) {
	params := map[string]string{
		"id":     hex.EncodeToString(id[:]),
		"caller": hex.EncodeToString(caller[:]),
	}
	for k, v := range extra {
		params[k] = v
	}
	var dto escrowDTO
	if err := c.call(ctx, method, []interface{}{params}, &dto); err != nil {
		return nil, err
	}
	return decodeEscrow(dto)
}

func (c *Client) QueryEscrow(ctx context.Context, id [32]byte) (*escrow.Escrow, error) {
	var dto escrowDTO
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"id": hex.EncodeToString(id[:])}}, &dto); err != nil {
		return nil, err
	}
	return decodeEscrow(dto)
}

func (c *Client) ListEscrowsByParty(ctx context.Context, party [20]byte) ([]*escrow.Escrow, error) {
	var dtos []escrowDTO
	if err := c.call(ctx, "escrow_listByParty", []interface{}{map[string]string{"party": hex.EncodeToString(party[:])}}, &dtos); err != nil {
		return nil, err
	}
	out := make([]*escrow.Escrow, 0, len(dtos))
	for _, dto := range dtos {
		esc, err := decodeEscrow(dto)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

func (c *Client) SubmitRegistryRegister(ctx context.Context, address [20]byte, displayName string) (*registry.Entry, error) {
	params := map[string]string{
		"address":     hex.EncodeToString(address[:]),
		"displayName": displayName,
	}
	var dto entryDTO
	if err := c.call(ctx, "registry_register", []interface{}{params}, &dto); err != nil {
		return nil, err
	}
	return decodeEntry(dto)
}

func (c *Client) SubmitFeedback(ctx context.Context, agentID [32]byte, rater [20]byte, score uint8, paymentProof, comment string) (*registry.FeedbackEntry, error) {
	params := map[string]interface{}{
		"agentId":      hex.EncodeToString(agentID[:]),
		"rater":        hex.EncodeToString(rater[:]),
		"score":        score,
		"paymentProof": paymentProof,
		"comment":      comment,
	}
	var dto feedbackDTO
	if err := c.call(ctx, "registry_addFeedback", []interface{}{params}, &dto); err != nil {
		return nil, err
	}
	return decodeFeedback(dto)
}

func (c *Client) QueryIdentityEntry(ctx context.Context, address [20]byte) (*registry.Entry, error) {
	var dto entryDTO
	if err := c.call(ctx, "registry_get", []interface{}{map[string]string{"address": hex.EncodeToString(address[:])}}, &dto); err != nil {
		return nil, err
	}
	return decodeEntry(dto)
}

func (c *Client) QueryReputationTally(ctx context.Context, agentID [32]byte) (registry.Tally, error) {
	var tally registry.Tally
	err := c.call(ctx, "registry_tally", []interface{}{map[string]string{"agentId": hex.EncodeToString(agentID[:])}}, &tally)
	return tally, err
}

func (c *Client) QueryFeedback(ctx context.Context, agentID [32]byte) ([]registry.FeedbackEntry, error) {
	var dtos []feedbackDTO
	if err := c.call(ctx, "registry_feedback", []interface{}{map[string]string{"agentId": hex.EncodeToString(agentID[:])}}, &dtos); err != nil {
		return nil, err
	}
	out := make([]registry.FeedbackEntry, 0, len(dtos))
	for _, dto := range dtos {
		fb, err := decodeFeedback(dto)
		if err != nil {
			return nil, err
		}
		out = append(out, *fb)
	}
	return out, nil
}

func (c *Client) QueryAccount(ctx context.Context, address [20]byte) (*types.Account, error) {
	var dto struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "account_get", []interface{}{map[string]string{"address": hex.EncodeToString(address[:])}}, &dto); err != nil {
		return nil, err
	}
	acc := types.Ensure(nil)
	acc.Nonce = dto.Nonce
	if dto.Balance != "" {
		if _, ok := acc.Balance.SetString(dto.Balance, 10); !ok {
			return nil, fmt.Errorf("ledger: corrupt balance in response")
		}
	}
	return acc, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fault.Wrapf(ErrTimeout, "%s", method)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return decodeFault(rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// decodeFault rebuilds the typed fault carried in the RPC error payload so
// errors.Is matching works across the wire.
func decodeFault(obj *jsonRPCErrorObj) error {
	if obj.Data.Code != "" {
		kind := fault.Kind(obj.Data.Kind)
		return fault.New(kind, obj.Data.Code, obj.Message)
	}
	return fmt.Errorf("ledger rpc error: %s", obj.Message)
}

func decodeEscrow(dto escrowDTO) (*escrow.Escrow, error) {
	esc := &escrow.Escrow{
		Description:   dto.Description,
		CreatedAt:     dto.CreatedAt,
		CompletedAt:   dto.CompletedAt,
		ExpiresAt:     dto.ExpiresAt,
		DisputeReason: dto.DisputeReason,
		DisputedAt:    dto.DisputedAt,
	}
	if err := decodeHex32(dto.ID, &esc.ID); err != nil {
		return nil, err
	}
	if err := decodeHex20(dto.Payer, &esc.Payer); err != nil {
		return nil, err
	}
	if err := decodeHex20(dto.Payee, &esc.Payee); err != nil {
		return nil, err
	}
	status, ok := escrow.ParseStatus(dto.Status)
	if !ok {
		return nil, fmt.Errorf("ledger: unknown escrow status %q", dto.Status)
	}
	esc.Status = status
	esc.Amount = big.NewInt(0)
	if dto.Amount != "" {
		if _, ok := esc.Amount.SetString(dto.Amount, 10); !ok {
			return nil, fmt.Errorf("ledger: corrupt amount in response")
		}
	}
	return esc, nil
}

func decodeEntry(dto entryDTO) (*registry.Entry, error) {
	entry := &registry.Entry{
		DisplayName:  dto.DisplayName,
		RegisteredAt: dto.RegisteredAt,
		Active:       dto.Active,
	}
	if err := decodeHex32(dto.ID, &entry.ID); err != nil {
		return nil, err
	}
	if err := decodeHex20(dto.Address, &entry.Address); err != nil {
		return nil, err
	}
	return entry, nil
}

func decodeFeedback(dto feedbackDTO) (*registry.FeedbackEntry, error) {
	fb := &registry.FeedbackEntry{
		Score:        dto.Score,
		PaymentProof: dto.PaymentProof,
		Comment:      dto.Comment,
		CreatedAt:    dto.CreatedAt,
	}
	if err := decodeHex32(dto.AgentID, &fb.AgentID); err != nil {
		return nil, err
	}
	if err := decodeHex20(dto.Rater, &fb.Rater); err != nil {
		return nil, err
	}
	return fb, nil
}

func decodeHex32(raw string, out *[32]byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != 32 {
		return fmt.Errorf("ledger: invalid 32-byte hex %q", raw)
	}
	copy(out[:], b)
	return nil
}

func decodeHex20(raw string, out *[20]byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != 20 {
		return fmt.Errorf("ledger: invalid 20-byte hex %q", raw)
	}
	copy(out[:], b)
	return nil
}

var _ Gateway = (*Client)(nil)

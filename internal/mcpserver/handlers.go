package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckWallet shows the caller's balances.
func (h *Handlers) HandleCheckWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Wallet(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows the caller is party to.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	page := req.GetInt("page", 0)
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListEscrows(ctx, status, page, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePayEscrow pays an escrow as the buyer.
func (h *Handlers) HandlePayEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	method := req.GetString("method", "")
	if method != "wallet" && method != "gateway" {
		return mcp.NewToolResultError("method must be 'wallet' or 'gateway'"), nil
	}

	raw, err := h.client.PayEscrow(ctx, escrowID, method)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}

	text, err := formatPayment(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmPayment checks a gateway payment by reference.
func (h *Handlers) HandleConfirmPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reference := req.GetString("reference", "")
	if reference == "" {
		return mcp.NewToolResultError("reference is required"), nil
	}

	raw, err := h.client.ConfirmPayment(ctx, reference)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm payment: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	status := getString(resp, "status")
	switch status {
	case "pending":
		return mcp.NewToolResultText(fmt.Sprintf(
			"Payment %s is still being processed. Try again in a minute.", reference)), nil
	case "success":
		return mcp.NewToolResultText(fmt.Sprintf("Payment %s succeeded.", reference)), nil
	default:
		return mcp.NewToolResultText(fmt.Sprintf("Payment %s ended with status %q.", reference, status)), nil
	}
}

// HandleOpenDispute raises a dispute on an escrow.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	sb.WriteString("Dispute opened.\n")
	sb.WriteString(fmt.Sprintf("  Dispute ID: %s\n", getString(resp.Dispute, "id")))
	sb.WriteString(fmt.Sprintf("  Escrow:     %s\n", getString(resp.Dispute, "escrowId")))
	sb.WriteString(fmt.Sprintf("  Status:     %s\n", getString(resp.Dispute, "status")))
	sb.WriteString("An admin will review it. The escrow is on hold until then.\n")
	return mcp.NewToolResultText(sb.String()), nil
}

func formatWallet(raw json.RawMessage) (string, error) {
	var resp struct {
		Wallet map[string]any `json:"wallet"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Wallet == nil {
		return "", fmt.Errorf("no wallet in response")
	}
	w := resp.Wallet
	cur := getString(w, "currency")

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	sb.WriteString(fmt.Sprintf("  Available: %s %s\n", getString(w, "availableBalance"), cur))
	if v := getString(w, "lockedBalance"); v != "" && v != "0" && v != "0.00" {
		sb.WriteString(fmt.Sprintf("  Locked:    %s %s\n", v, cur))
	}
	sb.WriteString(fmt.Sprintf("  Total:     %s %s\n", getString(w, "totalBalance"), cur))
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows     []map[string]any `json:"escrows"`
		Total       int              `json:"total"`
		CurrentPage int              `json:"currentPage"`
		TotalPages  int              `json:"totalPages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d escrow(s), page %d of %d:\n\n", resp.Total, resp.CurrentPage, resp.TotalPages))
	for i, e := range resp.Escrows {
		sb.WriteString(fmt.Sprintf("%d. %s  %s %s  [%s, %s]\n", i+1,
			getString(e, "id"), getString(e, "amount"), getString(e, "currency"),
			getString(e, "status"), getString(e, "paymentStatus")))
		if v := getString(e, "category"); v != "" {
			sb.WriteString(fmt.Sprintf("   Category: %s\n", v))
		}
	}
	return sb.String(), nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}
	e := resp.Escrow
	cur := getString(e, "currency")

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Escrow %s\n", getString(e, "id")))
	sb.WriteString(fmt.Sprintf("  Amount:   %s %s\n", getString(e, "amount"), cur))
	if v := getString(e, "buyerFee"); v != "" && v != "0.00" {
		sb.WriteString(fmt.Sprintf("  Buyer fee:  %s %s\n", v, cur))
	}
	if v := getString(e, "sellerFee"); v != "" && v != "0.00" {
		sb.WriteString(fmt.Sprintf("  Seller fee: %s %s\n", v, cur))
	}
	sb.WriteString(fmt.Sprintf("  Status:   %s\n", getString(e, "status")))
	sb.WriteString(fmt.Sprintf("  Payment:  %s\n", getString(e, "paymentStatus")))
	if v := getString(e, "category"); v != "" {
		sb.WriteString(fmt.Sprintf("  Category: %s\n", v))
	}
	if terms, ok := e["terms"].([]any); ok && len(terms) > 0 {
		sb.WriteString("  Terms:\n")
		for _, t := range terms {
			if s, ok := t.(string); ok {
				sb.WriteString(fmt.Sprintf("    - %s\n", s))
			}
		}
	}
	return sb.String(), nil
}

func formatPayment(raw json.RawMessage) (string, error) {
	var resp struct {
		Payment map[string]any `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Payment == nil {
		return "", fmt.Errorf("no payment in response")
	}
	p := resp.Payment

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Payment %s: %s\n", getString(p, "reference"), getString(p, "status")))
	sb.WriteString(fmt.Sprintf("  Amount: %s\n", getString(p, "amount")))
	sb.WriteString(fmt.Sprintf("  Fee:    %s\n", getString(p, "fee")))
	sb.WriteString(fmt.Sprintf("  Total:  %s\n", getString(p, "total")))
	if charge, ok := p["charge"].(map[string]any); ok {
		if url := getString(charge, "authorizationUrl"); url != "" {
			sb.WriteString(fmt.Sprintf("\nComplete the payment at: %s\n", url))
			sb.WriteString("Then call confirm_payment with the reference above.\n")
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

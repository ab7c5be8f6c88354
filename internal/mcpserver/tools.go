package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/rates"
)

// --- Input types ---

type emptyInput struct{}

type selectInput struct {
	Kind string `json:"kind" jsonschema:"one of hardware, cloud, pool, override"`
	ID   string `json:"id,omitempty" jsonschema:"source id for hardware, cloud or pool; the rate for override; empty clears hardware, cloud or override"`
}

type miningInput struct {
	Enabled bool `json:"enabled" jsonschema:"true to start mining, false to stop"`
}

type withdrawInput struct {
	Amount  string `json:"amount" jsonschema:"amount to withdraw, as a decimal string"`
	Address string `json:"address" jsonschema:"destination address"`
}

type limitInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"max number of rows to return (0 = 20)"`
}

// registerTools adds all hashdash MCP tools to the server.
func (s *MCPServer) registerTools() {
	// Read-only tools

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_status",
		Description: "Node status: rate, balance, mining state, difficulty and wallet",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_catalog",
		Description: "Selectable hardware, cloud and pool rate sources",
	}, s.handleCatalog)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_payouts",
		Description: "Recent payout events, newest first",
	}, s.handlePayouts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_withdrawals",
		Description: "Recent withdrawals with their settlement status",
	}, s.handleWithdrawals)

	// Write tools

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_select",
		Description: "Select or clear a rate source, or set the override rate",
	}, s.handleSelect)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_mining",
		Description: "Start or stop mining",
	}, s.handleMining)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "hashdash_withdraw",
		Description: "Request a withdrawal of part of the balance",
	}, s.handleWithdraw)
}

// --- Handlers ---

func formatRate(r rates.Rate) string {
	return humanize.SIWithDigits(rates.Normalize(r).InexactFloat64(), 2, "H/s")
}

func (s *MCPServer) handleStatus(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	st := s.deps.Engine.Status()
	snap := s.deps.Ledger.Snapshot()
	cfg := s.deps.Rates.Snapshot()
	diff := s.deps.Difficulty.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "# HashDash Status\n\n")
	fmt.Fprintf(&b, "**Node ID:** `%s`\n", s.deps.Daemon.NodeID())
	fmt.Fprintf(&b, "**Uptime:** %s\n", s.deps.Daemon.Uptime().Round(1e9))
	fmt.Fprintf(&b, "**Peers:** %d\n\n", s.deps.Daemon.PeerCount())

	fmt.Fprintf(&b, "## Mining\n")
	state := "idle"
	if st.Mining {
		state = "mining"
		if st.StartedAt != nil {
			state += ", started " + humanize.Time(*st.StartedAt)
		}
	}
	fmt.Fprintf(&b, "- State: %s\n", state)
	fmt.Fprintf(&b, "- Rate: %s %s (%s)\n", st.Rate.Value, unitLabel(st.Rate.Unit), formatRate(st.Rate))
	fmt.Fprintf(&b, "- Difficulty: %s (%s)\n", humanize.SIWithDigits(diff.Difficulty.InexactFloat64(), 3, ""), diff.Source)
	fmt.Fprintf(&b, "- Ticks: %s\n\n", humanize.Comma(int64(st.Ticks)))

	fmt.Fprintf(&b, "## Sources\n")
	fmt.Fprintf(&b, "- Hardware: %s\n", orDash(cfg.HardwareID))
	fmt.Fprintf(&b, "- Cloud: %s\n", orDash(cfg.CloudID))
	fmt.Fprintf(&b, "- Pool: %s\n", orDash(cfg.PoolID))
	fmt.Fprintf(&b, "- Override: %s\n\n", orDash(cfg.Override))

	fmt.Fprintf(&b, "## Ledger\n")
	fmt.Fprintf(&b, "- Balance: **%s**\n", snap.Balance)
	fmt.Fprintf(&b, "- Credited: %s\n", snap.TotalCredited)
	fmt.Fprintf(&b, "- Debited: %s\n", snap.TotalDebited)
	fmt.Fprintf(&b, "- Payouts: %d\n", snap.PayoutCount)
	if snap.LastPayout != nil {
		fmt.Fprintf(&b, "- Last payout: %s, %s\n", snap.LastPayout.Amount, humanize.Time(snap.LastPayout.Timestamp))
	}
	if addr := s.deps.Daemon.WalletAddress(); addr != "" {
		fmt.Fprintf(&b, "\n**Wallet:** `%s`\n", addr)
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleCatalog(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	sources := s.deps.Rates.Sources()

	var b strings.Builder
	fmt.Fprintf(&b, "# Catalog (%d)\n\n", len(sources))
	fmt.Fprintf(&b, "| ID | Kind | Name | Capacity | Boosted |\n")
	fmt.Fprintf(&b, "|----|------|------|----------|---------|\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s %s | %v |\n",
			src.ID, src.Kind, src.Name, src.NominalCapacity, src.Unit, src.Boosted)
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handlePayouts(_ context.Context, _ *mcp.CallToolRequest, input limitInput) (*mcp.CallToolResult, any, error) {
	payouts := s.deps.Ledger.Payouts(limitOr(input.Limit))

	var b strings.Builder
	fmt.Fprintf(&b, "# Payouts (%d)\n\n", len(payouts))
	if len(payouts) == 0 {
		fmt.Fprintf(&b, "No payouts yet.\n")
	} else {
		fmt.Fprintf(&b, "| Amount | Source | When |\n")
		fmt.Fprintf(&b, "|--------|--------|------|\n")
		for _, p := range payouts {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", p.Amount, p.Source, humanize.Time(p.Timestamp))
		}
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleWithdrawals(ctx context.Context, _ *mcp.CallToolRequest, input limitInput) (*mcp.CallToolResult, any, error) {
	txs, err := s.deps.Pipeline.List(ctx, limitOr(input.Limit))
	if err != nil {
		return errResult(fmt.Sprintf("failed to list withdrawals: %v", err)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Withdrawals (%d)\n\n", len(txs))
	if len(txs) == 0 {
		fmt.Fprintf(&b, "No withdrawals.\n")
	} else {
		fmt.Fprintf(&b, "| ID | Amount | Status | Confs | Updated |\n")
		fmt.Fprintf(&b, "|----|--------|--------|-------|---------|\n")
		for _, tx := range txs {
			fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %s |\n",
				tx.ID, tx.Amount, tx.Status, tx.Confirmations, humanize.Time(tx.UpdatedAt))
		}
	}

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleSelect(_ context.Context, _ *mcp.CallToolRequest, input selectInput) (*mcp.CallToolResult, any, error) {
	m := s.deps.Rates
	var err error
	switch input.Kind {
	case "hardware":
		if input.ID == "" {
			err = m.DeactivateHardware()
		} else {
			err = m.ActivateHardware(input.ID)
		}
	case "cloud":
		if input.ID == "" {
			err = m.DeactivateCloud()
		} else {
			err = m.ActivateCloud(input.ID)
		}
	case "pool":
		if input.ID == "" {
			return errResult("a pool id is required; one pool is always selected"), nil, nil
		}
		err = m.SelectPoolConfig(input.ID)
	case "override":
		err = m.SetOverrideRate(input.ID)
	default:
		return errResult("kind must be one of hardware, cloud, pool, override"), nil, nil
	}
	if err != nil {
		return errResult(fmt.Sprintf("select failed: %v", err)), nil, nil
	}

	rate := m.Resolve()
	text := fmt.Sprintf("Configuration updated.\n\n- **Effective rate:** %s %s (%s)", rate.Value, unitLabel(rate.Unit), formatRate(rate))
	if _, ok := rates.ParseOverride(input.ID); input.Kind == "override" && input.ID != "" && !ok {
		text += "\n\n> The override is not a non-negative number and is ignored."
	}
	return textResult(text), nil, nil
}

func (s *MCPServer) handleMining(_ context.Context, _ *mcp.CallToolRequest, input miningInput) (*mcp.CallToolResult, any, error) {
	changed, err := s.deps.Daemon.SetMining(input.Enabled)
	if err != nil {
		return errResult(fmt.Sprintf("failed: %v", err)), nil, nil
	}
	state := "stopped"
	if input.Enabled {
		state = "started"
	}
	if !changed {
		return textResult("Mining already " + state + "."), nil, nil
	}
	return textResult("Mining " + state + "."), nil, nil
}

func (s *MCPServer) handleWithdraw(ctx context.Context, _ *mcp.CallToolRequest, input withdrawInput) (*mcp.CallToolResult, any, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(input.Amount))
	if err != nil {
		return errResult("amount must be a decimal number"), nil, nil
	}

	tx, err := s.deps.Pipeline.Request(ctx, amount, input.Address)
	if err != nil {
		msg := fmt.Sprintf("withdrawal failed: %v", err)
		if tx.ID != "" {
			msg += fmt.Sprintf("\n\n- **ID:** `%s`\n- **Status:** %s", tx.ID, tx.Status)
		}
		return errResult(msg), nil, nil
	}

	text := fmt.Sprintf("# Withdrawal submitted\n\n- **ID:** `%s`\n- **Amount:** %s\n- **Status:** %s\n- **Receipt:** `%s`\n- **Balance:** %s",
		tx.ID, tx.Amount, tx.Status, tx.Receipt, s.deps.Ledger.Balance())
	return textResult(text), nil, nil
}

// --- Helpers ---

func unitLabel(u rates.UnitKind) string {
	if u == rates.UnitHigh {
		return "H/s"
	}
	return "TH/s"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func limitOr(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to pick a tool.

var ToolCheckWallet = mcp.NewTool("check_wallet",
	mcp.WithDescription(
		"Show your SafeHold wallet: total, locked and available balance. "+
			"Locked funds are reserved for pending withdrawals."),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows you created or were invited to, newest first. "+
			"Each row shows the amount, your counterparty and where the deal stands."),
	mcp.WithString("status",
		mcp.Description("Only escrows in this state"),
		mcp.Enum("pending", "active", "completed", "disputed", "rejected")),
	mcp.WithNumber("page",
		mcp.Description("Page number, starting at 1")),
	mcp.WithNumber("limit",
		mcp.Description("Rows per page (default 10)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Get the full details of one escrow: parties, terms, fees, status and payment status."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_01J...')")),
)

var ToolPayEscrow = mcp.NewTool("pay_escrow",
	mcp.WithDescription(
		"Pay for an accepted escrow as the buyer. "+
			"'wallet' pays at once from your available balance. "+
			"'gateway' returns a checkout link; call confirm_payment with the reference after paying."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow to pay")),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("How to pay"),
		mcp.Enum("wallet", "gateway")),
)

var ToolConfirmPayment = mcp.NewTool("confirm_payment",
	mcp.WithDescription(
		"Check a gateway payment or wallet deposit by its reference. "+
			"Settles it if the provider reports success or failure; otherwise reports it as still processing."),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("The payment reference returned by pay_escrow")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on an escrow you are party to. "+
			"An admin reviews it; funds stay held while the dispute is open."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The disputed escrow")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong with the deal")),
)

package domain

type SwapDirection string

const (
	SwapUSDCToSOL SwapDirection = "usdc_to_sol"
	SwapSOLToUSDC SwapDirection = "sol_to_usdc"
)

// ExecutionRequest asks the venue to swap InputAmount of the input asset.
// MaxSlippage is a fraction (0.005 = 0.5%).
type ExecutionRequest struct {
	ClientRef      string        `json:"client_ref"`
	Wallet         string        `json:"wallet"`
	Direction      SwapDirection `json:"direction"`
	InputAmount    float64       `json:"input_amount"`
	MaxSlippage    float64       `json:"max_slippage"`
	ReferencePrice float64       `json:"reference_price"`
	DryRun         bool          `json:"dry_run"`
}

type ExecutionResult struct {
	ReceivedAmount float64 `json:"received_amount"`
	SpentAmount    float64 `json:"spent_amount"`
	Fee            float64 `json:"fee"`
	TxReference    string  `json:"tx_reference"`
	DryRun         bool    `json:"dry_run"`
}

type Balances struct {
	USDC float64 `json:"usdc"`
	SOL  float64 `json:"sol"`
}

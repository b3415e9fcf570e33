package models

// PrepareSubscriptionRequest 构造待签名订阅交易
type PrepareSubscriptionRequest struct {
	Account string `json:"account" binding:"required,solana_address"`
	Amount  string `json:"amount" binding:"required"` // 十进制字符串，如 "20" 或 "2.5"
}

type TransactionMetadata struct {
	FeePayer             string `json:"feePayer"`
	Receiver             string `json:"receiver"`
	Mint                 string `json:"mint"`
	Decimals             uint8  `json:"decimals"`
	RawAmount            uint64 `json:"rawAmount"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	ComputeUnitLimit     uint32 `json:"computeUnitLimit"`
	ComputeUnitPrice     uint64 `json:"computeUnitPrice"`
	CreatesReceiver      bool   `json:"createsReceiverAccount"`
	Plan                 string `json:"plan"`
	DurationDays         int    `json:"durationDays"`
}

type PrepareSubscriptionResponse struct {
	Transaction string              `json:"transaction"` // Base64 未签名交易
	Amount      string              `json:"amount"`
	Metadata    TransactionMetadata `json:"metadata"`
}

// PaymentHint 客户端附带的支付信息，只用于与链上结果交叉校验
type PaymentHint struct {
	TransactionHash          string `json:"transaction_hash" binding:"required"`
	WalletAddress            string `json:"wallet_address" binding:"omitempty,solana_address"`
	AmountUSDC               string `json:"amount_usdc"`
	PaymentDate              string `json:"payment_date"`
	SubscriptionDurationDays *int   `json:"subscription_duration_days,omitempty"`
}

// ConfirmTransactionsRequest 已签名交易批量确认请求
type ConfirmTransactionsRequest struct {
	Transactions []string      `json:"transactions" binding:"required,min=1,dive,required"`
	Payments     []PaymentHint `json:"payments" binding:"omitempty,dive"`
}

type SubscriptionDetails struct {
	Plan         string `json:"plan"`
	DurationDays int    `json:"durationDays"`
	EndDate      string `json:"endDate"`
}

type TransactionResult struct {
	Signature           string               `json:"signature"`
	Status              string               `json:"status"`
	Payment             *Payment             `json:"payment,omitempty"`
	SubscriptionDetails *SubscriptionDetails `json:"subscriptionDetails,omitempty"`
	Error               string               `json:"error,omitempty"`
	ExplorerURL         string               `json:"explorerUrl,omitempty"`
}

type ConfirmTransactionsResponse struct {
	Signatures   []string            `json:"signatures"`
	Transactions []TransactionResult `json:"transactions"`
}

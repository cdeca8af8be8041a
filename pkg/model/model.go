package model

import "github.com/shopspring/decimal"

// DispatchSummary is the JSON answer of a birthday dispatch run.
type DispatchSummary struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Matched   int    `json:"matched"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// SweepSummary is the JSON answer of a delivery progression sweep.
type SweepSummary struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Shipped   int    `json:"shipped"`
	Delivered int    `json:"delivered"`
}

// SendRequest asks for a single ad-hoc gift payment to the contact with id ToId.
type SendRequest struct {
	ToId        string          `json:"toId"        binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// SendResponse is the JSON answer of a manual send.
type SendResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionId *int64 `json:"transactionId,omitempty"`
}

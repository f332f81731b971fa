package mpesa

import (
	"encoding/json"
	"fmt"
	"math"
)

// CallbackEnvelope is the payload the gateway posts to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the result of one STK push request. ResultCode 0 means the
// customer completed the payment.
type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetadataItem is a name/value pair in the callback metadata. Values are
// numbers or strings depending on the item.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Succeeded reports whether the payment completed.
func (c StkCallback) Succeeded() bool {
	return c.ResultCode == 0
}

// ReceiptNumber returns the MpesaReceiptNumber metadata item, if present.
func (c StkCallback) ReceiptNumber() string {
	for _, it := range c.CallbackMetadata.Item {
		if it.Name == "MpesaReceiptNumber" {
			var s string
			if err := json.Unmarshal(it.Value, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

// AmountCents returns the Amount metadata item converted to cents.
func (c StkCallback) AmountCents() (int64, bool) {
	for _, it := range c.CallbackMetadata.Item {
		if it.Name == "Amount" {
			var v float64
			if err := json.Unmarshal(it.Value, &v); err == nil {
				return int64(math.Round(v * 100)), true
			}
		}
	}
	return 0, false
}

// ParseCallback decodes the callback payload posted by the gateway.
func ParseCallback(data []byte) (*StkCallback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if env.Body.StkCallback.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing checkout request id")
	}
	return &env.Body.StkCallback, nil
}

package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// callbackEnvelope mirrors the Daraja STK callback shape: a nested result
// code/description plus a list of name/value metadata items.
type callbackEnvelope struct {
	Body struct {
		STKCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackResult is the normalized outcome of one provider callback. A
// non-zero ResultCode is a final failure notice; metadata is only populated
// on success.
type CallbackResult struct {
	ResultCode    int
	ResultDesc    string
	Amount        int
	ReceiptNumber string
	PhoneNumber   string
}

func (r *CallbackResult) Success() bool { return r.ResultCode == 0 }

// ParseCallback decodes a raw callback payload. A structurally unparseable
// body is the only parse error; unexpected metadata degrades to zero values.
func ParseCallback(raw []byte) (*CallbackResult, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("mpesa: decode callback: %w", err)
	}
	cb := envelope.Body.STKCallback
	if cb == nil {
		return nil, fmt.Errorf("mpesa: callback carried no stkCallback body")
	}

	result := &CallbackResult{
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return result, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			result.Amount = asInt(item.Value)
		case "MpesaReceiptNumber":
			result.ReceiptNumber = asString(item.Value)
		case "PhoneNumber":
			result.PhoneNumber = asString(item.Value)
		}
	}
	return result, nil
}

// VerifySignature checks the HMAC-SHA256 webhook signature. A missing shared
// secret or signature header means the integration runs without provider-side
// signing, which passes as unverifiable rather than failing.
func VerifySignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || strings.TrimSpace(secret) == "" {
		return true
	}

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// asInt tolerates the provider sending numbers as JSON numbers or strings.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// asString tolerates numeric values (PhoneNumber arrives as a JSON number).
func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}

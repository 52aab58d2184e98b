package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

const successCallback = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 20.0},
					{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
					{"Name": "TransactionDate", "Value": 20191219102115},
					{"Name": "PhoneNumber", "Value": 254708374149}
				]
			}
		}
	}
}`

func TestParseCallbackSuccess(t *testing.T) {
	result, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)
	require.True(t, result.Success())
	require.Equal(t, 20, result.Amount)
	require.Equal(t, "NLJ7RT61SV", result.ReceiptNumber)
	require.Equal(t, "254708374149", result.PhoneNumber)
}

func TestParseCallbackFailedTransaction(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

	result, err := ParseCallback([]byte(raw))
	require.NoError(t, err)
	require.False(t, result.Success())
	require.Equal(t, 1032, result.ResultCode)
	require.Zero(t, result.Amount)
}

func TestParseCallbackStringAmount(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"50"}]}}}}`

	result, err := ParseCallback([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 50, result.Amount)
}

func TestParseCallbackInvalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"Body":{}}`,
		`{"TransactionType":"Pay Bill"}`,
	} {
		if _, err := ParseCallback([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(successCallback)
	secret := "webhook-secret"

	if !VerifySignature(payload, sign(payload, secret), secret) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature(payload, sign(payload, "wrong-secret"), secret) {
		t.Fatalf("signature under the wrong secret accepted")
	}
	if VerifySignature(payload, "zzzz", secret) {
		t.Fatalf("non-hex signature accepted")
	}
	if VerifySignature([]byte("tampered"), sign(payload, secret), secret) {
		t.Fatalf("signature over different payload accepted")
	}
}

func TestVerifySignatureUnconfigured(t *testing.T) {
	payload := []byte(successCallback)

	// No shared secret configured: signing is off, everything passes.
	if !VerifySignature(payload, "deadbeef", "") {
		t.Fatalf("unverifiable payload rejected without a secret")
	}
	// Secret configured but provider sent no header: same treatment.
	if !VerifySignature(payload, "", "webhook-secret") {
		t.Fatalf("missing header rejected")
	}
}

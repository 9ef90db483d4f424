package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sign returns hex(HMAC-SHA256(secret, message)).
func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignature is what the provider sends back after checkout for the
// given order and payment.
func PaymentSignature(secret, orderID, paymentID string) string {
	return sign(secret, orderID+"|"+paymentID)
}

func WebhookSignature(secret, timestamp string, payload []byte) string {
	return sign(secret, timestamp+"|"+string(payload))
}

// VerifyPaymentSignature compares case-insensitively. Inputs arrive from the
// provider over TLS, so the comparison is not constant time.
func VerifyPaymentSignature(secret, orderID, paymentID, signature string) bool {
	if secret == "" || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	if _, err := hex.DecodeString(signature); err != nil {
		return false
	}
	return strings.EqualFold(PaymentSignature(secret, orderID, paymentID), signature)
}

func VerifyWebhookSignature(secret string, payload []byte, signature, timestamp string) bool {
	if secret == "" || len(payload) == 0 || signature == "" || timestamp == "" {
		return false
	}
	if _, err := hex.DecodeString(signature); err != nil {
		return false
	}
	return strings.EqualFold(WebhookSignature(secret, timestamp, payload), signature)
}

package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks gateway payment signatures: hex(HMAC-SHA256(secret,
// orderID + "|" + paymentID)).
type Verifier struct {
	Secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: secret}
}

// Sign returns the expected signature for an order/payment pair.
func (v *Verifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is exactly the lowercase hex signature
// the gateway sends. An unset secret never verifies.
func (v *Verifier) Verify(orderID, paymentID, signature string) bool {
	if v == nil || v.Secret == "" || orderID == "" || paymentID == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(v.Sign(orderID, paymentID)))
}

package qr

import (
	"fmt"
	"strings"

	qrencode "github.com/skip2/go-qrcode"
)

// ReceiptSize is the edge length in pixels of receipt images.
const ReceiptSize = 256

// ReceiptContent is the text embedded in a verification receipt.
func ReceiptContent(verificationID, maskedIdentifier, status string) string {
	return strings.Join([]string{verificationID, maskedIdentifier, status}, "|")
}

// EncodeReceipt renders content as a PNG QR code with medium error correction.
func EncodeReceipt(content string) ([]byte, error) {
	png, err := qrencode.Encode(content, qrencode.Medium, ReceiptSize)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return png, nil
}

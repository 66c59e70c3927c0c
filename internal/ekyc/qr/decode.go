// Package qr reads the comma-delimited identity payload printed as a QR code.
package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/charlesng35/offlinekyc/internal/ekyc/checksum"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// PositionalFields is the number of named fields preceding any extra fields and the checksum.
const PositionalFields = 12

// Limits bounds the images accepted for decoding.
type Limits struct {
	MaxBytes  int64
	MaxPixels int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{MaxBytes: 5 << 20, MaxPixels: 16_000_000}
}

// Decode reads a QR code from a PNG, JPEG or GIF image and parses its payload.
func Decode(img []byte, limits Limits) (*Payload, error) {
	text, err := ReadText(img, limits)
	if err != nil {
		return nil, err
	}
	return ParsePayload(text)
}

// ReadText returns the raw text encoded in the QR code of img.
func ReadText(img []byte, limits Limits) (string, error) {
	if len(img) == 0 {
		return "", apperrors.ErrQRDecode.WithInternal(errors.New("image is empty"))
	}
	if limits.MaxBytes > 0 && int64(len(img)) > limits.MaxBytes {
		return "", apperrors.ErrQRDecode.WithInternal(fmt.Errorf("image exceeds %d bytes", limits.MaxBytes))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return "", apperrors.ErrQRDecode.WithInternal(fmt.Errorf("unsupported image: %w", err))
	}
	if limits.MaxPixels > 0 && cfg.Width*cfg.Height > limits.MaxPixels {
		return "", apperrors.ErrQRDecode.WithInternal(fmt.Errorf("image is %dx%d, above the pixel limit", cfg.Width, cfg.Height))
	}

	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", apperrors.ErrQRDecode.WithInternal(err)
	}
	bitmap, err := gozxing.NewBinaryBitmapFromImage(decoded)
	if err != nil {
		return "", apperrors.ErrQRDecode.WithInternal(err)
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bitmap, hints)
	if err != nil {
		return "", apperrors.ErrQRDecode.WithInternal(fmt.Errorf("no QR code found: %w", err))
	}
	return result.GetText(), nil
}

// Payload is the parsed QR content.
type Payload struct {
	ReferenceID    string
	Name           string
	DateOfBirth    string
	Gender         string
	CareOf         string
	District       string
	Landmark       string
	House          string
	Location       string
	Pincode        string
	State          string
	LastFourDigits string
	Extra          []string
	Checksum       string

	// fields holds every field except the checksum, exactly as printed.
	fields []string
}

// ParsePayload splits text on commas. At least twelve positional fields and a trailing checksum are required.
func ParsePayload(text string) (*Payload, error) {
	text = strings.TrimRight(text, "\r\n")
	parts := strings.Split(text, ",")
	if len(parts) < PositionalFields+1 {
		return nil, apperrors.ErrQRDecode.WithInternal(
			fmt.Errorf("payload has %d fields, expected at least %d", len(parts), PositionalFields+1))
	}

	fields := parts[:len(parts)-1]
	at := func(i int) string { return strings.TrimSpace(fields[i]) }

	payload := &Payload{
		ReferenceID:    at(0),
		Name:           at(1),
		DateOfBirth:    at(2),
		Gender:         at(3),
		CareOf:         at(4),
		District:       at(5),
		Landmark:       at(6),
		House:          at(7),
		Location:       at(8),
		Pincode:        at(9),
		State:          at(10),
		LastFourDigits: at(11),
		Checksum:       strings.TrimSpace(parts[len(parts)-1]),
		fields:         fields,
	}
	if len(fields) > PositionalFields {
		payload.Extra = append([]string(nil), fields[PositionalFields:]...)
	}
	return payload, nil
}

// ChecksumValid reports whether the trailing checksum matches the other fields.
func (p *Payload) ChecksumValid() bool {
	return checksum.QRChecksumMatches(p.fields, p.Checksum)
}

package connection

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// AuthCodeRenderer turns a raw pairing code into a displayable artifact.
type AuthCodeRenderer func(raw string) (string, error)

const qrSize = 256

// RenderQRDataURL encodes raw as a QR code PNG data URL.
func RenderQRDataURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty auth code")
	}

	code, err := qr.Encode(raw, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("scale qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

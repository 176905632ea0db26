package config

import (
	"encoding/base64"
	"encoding/hex"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func decodeRaw(s string) ([]byte, error) {
	return []byte(s), nil
}

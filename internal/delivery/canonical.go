package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Canonicalize re-encodes a JSON document with object keys sorted at every
// depth. Numbers keep their literal form and HTML characters are not escaped.
func Canonicalize(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicalize: trailing data after document")
	}
	return encode(v)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// map[string]any is emitted in sorted key order by encoding/json.
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of data under secret.
func Sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature in constant time. A "sha256=" prefix is
// accepted.
func Verify(secret string, data []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignCanonical canonicalizes data and signs it.
func SignCanonical(secret string, data []byte) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	return Sign(secret, canon), nil
}

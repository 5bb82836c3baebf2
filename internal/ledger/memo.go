package ledger

import (
	"encoding/base64"
	"strings"
)

// extractMemo returns the human readable comment of an inbound message.
// Undecodable payloads yield an empty memo.
func extractMemo(msg *rawMessage) string {
	if memo := normalizeMemo(msg.Message); memo != "" {
		return memo
	}
	if msg.MsgData.Text != "" {
		if decoded, ok := decodeText(msg.MsgData.Text); ok {
			return decoded
		}
	}
	return ""
}

// normalizeMemo accepts either plain text or a base64 encoded comment.
func normalizeMemo(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, ok := decodeText(raw); ok {
		return decoded
	}
	return printable(raw)
}

// decodeText decodes a base64 comment and accepts it only when the
// decoded bytes are printable text. Binary comment prefixes are dropped.
func decodeText(s string) (string, bool) {
	s = strings.TrimSpace(s)
	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil || len(data) == 0 {
		return "", false
	}
	data = []byte(strings.TrimLeft(string(data), "\x00"))
	if len(data) == 0 {
		return "", false
	}
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return "", false
		}
	}
	return strings.TrimSpace(string(data)), true
}

func printable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r <= 0x7e {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

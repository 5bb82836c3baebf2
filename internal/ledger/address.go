package ledger

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// accountID reduces a TON address in raw (wc:hex) or user-friendly base64
// form to "wc:hex". The user-friendly layout is flag, workchain, 32 byte
// account hash and a 2 byte checksum.
func accountID(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if wc, h, ok := strings.Cut(addr, ":"); ok {
		n, err := strconv.ParseInt(wc, 10, 32)
		if err != nil || len(h) != 64 {
			return "", false
		}
		if _, err := hex.DecodeString(h); err != nil {
			return "", false
		}
		return strconv.FormatInt(n, 10) + ":" + strings.ToLower(h), true
	}
	if len(addr) != 48 {
		return "", false
	}
	raw, err := base64.URLEncoding.DecodeString(strings.NewReplacer("+", "-", "/", "_").Replace(addr))
	if err != nil || len(raw) != 36 {
		return "", false
	}
	return strconv.Itoa(int(int8(raw[1]))) + ":" + hex.EncodeToString(raw[2:34]), true
}

// sameAccount reports whether a and b name the same account. Addresses that
// cannot be parsed are compared as trimmed strings.
func sameAccount(a, b string) bool {
	ida, oka := accountID(a)
	idb, okb := accountID(b)
	if oka && okb {
		return ida == idb
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

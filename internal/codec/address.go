package codec

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/address"
)

// ParseAddress accepts both the user-friendly and the raw (wc:hex) form
func ParseAddress(s string) (*address.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty address")
	}
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

// RawAddress renders addr as wc:hex
func RawAddress(addr *address.Address) string {
	return fmt.Sprintf("%d:%s", addr.Workchain(), hex.EncodeToString(addr.Data()))
}

// FriendlyAddress renders addr in bounceable user-friendly form
func FriendlyAddress(addr *address.Address, testnet bool) string {
	cp, err := address.ParseRawAddr(RawAddress(addr))
	if err != nil {
		return addr.String()
	}
	cp.SetBounce(true)
	cp.SetTestnetOnly(testnet)
	return cp.String()
}

// NormalizeAddress parses s and renders it in bounceable user-friendly form
func NormalizeAddress(s string, testnet bool) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return FriendlyAddress(addr, testnet), nil
}

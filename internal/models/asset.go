package models

import (
	"fmt"
	"math/big"
	"strings"
)

// AssetKind distinguishes the native coin from jetton tokens
type AssetKind string

const (
	AssetKindBase   AssetKind = "base"
	AssetKindJetton AssetKind = "jetton"
)

// Asset describes one asset supported by the lending protocol
type Asset struct {
	Symbol       string    `json:"symbol"`
	ID           *big.Int  `json:"id"`
	Kind         AssetKind `json:"kind"`
	JettonWallet string    `json:"jetton_wallet,omitempty"` // bot's own jetton wallet for this asset
	Decimals     uint8     `json:"decimals"`
}

// IsBase reports whether the asset is the native coin
func (a *Asset) IsBase() bool {
	return a.Kind == AssetKindBase
}

// AssetRegistry is the closed set of assets known at startup
type AssetRegistry struct {
	assets   []*Asset
	byID     map[string]*Asset
	bySymbol map[string]*Asset
	base     *Asset
}

// NewAssetRegistry validates the asset list and builds the lookup tables.
// Exactly one base asset is required; ids and symbols must be unique.
func NewAssetRegistry(assets []*Asset) (*AssetRegistry, error) {
	r := &AssetRegistry{
		byID:     make(map[string]*Asset, len(assets)),
		bySymbol: make(map[string]*Asset, len(assets)),
	}

	for _, a := range assets {
		if a == nil || a.ID == nil {
			return nil, fmt.Errorf("asset id is required")
		}
		if a.ID.Sign() < 0 || a.ID.BitLen() > 256 {
			return nil, fmt.Errorf("asset %s: id does not fit 256 bits", a.Symbol)
		}
		sym := strings.ToLower(a.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("asset %s: symbol is required", a.ID)
		}
		if _, dup := r.byID[a.ID.String()]; dup {
			return nil, fmt.Errorf("duplicate asset id %s", a.ID)
		}
		if _, dup := r.bySymbol[sym]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %s", a.Symbol)
		}

		switch a.Kind {
		case AssetKindBase:
			if r.base != nil {
				return nil, fmt.Errorf("more than one base asset (%s, %s)", r.base.Symbol, a.Symbol)
			}
			r.base = a
		case AssetKindJetton:
			if a.JettonWallet == "" {
				return nil, fmt.Errorf("asset %s: jetton wallet is required", a.Symbol)
			}
		default:
			return nil, fmt.Errorf("asset %s: unknown kind %q", a.Symbol, a.Kind)
		}

		r.assets = append(r.assets, a)
		r.byID[a.ID.String()] = a
		r.bySymbol[sym] = a
	}

	if r.base == nil {
		return nil, fmt.Errorf("a base asset is required")
	}

	return r, nil
}

// Lookup returns the asset with the given id
func (r *AssetRegistry) Lookup(id *big.Int) (*Asset, bool) {
	if id == nil {
		return nil, false
	}
	a, ok := r.byID[id.String()]
	return a, ok
}

// BySymbol returns the asset with the given symbol, case-insensitive
func (r *AssetRegistry) BySymbol(symbol string) (*Asset, bool) {
	a, ok := r.bySymbol[strings.ToLower(symbol)]
	return a, ok
}

// Base returns the native coin asset
func (r *AssetRegistry) Base() *Asset {
	return r.base
}

// All returns assets in configuration order
func (r *AssetRegistry) All() []*Asset {
	out := make([]*Asset, len(r.assets))
	copy(out, r.assets)
	return out
}

package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

var ErrMalformedAccountState = errors.New("malformed account state")

// AccountState is the decoded result of the account contract's state getter
type AccountState struct {
	CodeVersion int64
	Owner       *address.Address
	principals  map[string]*big.Int
}

// Principal returns the principal for assetID, zero when the account holds none
func (s *AccountState) Principal(assetID *big.Int) *big.Int {
	if p, ok := s.principals[assetID.String()]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// PrincipalCount is the number of assets present in the principals map
func (s *AccountState) PrincipalCount() int {
	return len(s.principals)
}

// DecodeAccountState decodes the getter stack
// [codeVersion, master, owner, principals?]. A missing or null principals
// entry means every principal is zero.
func DecodeAccountState(stack []any) (*AccountState, error) {
	if len(stack) < 3 {
		return nil, fmt.Errorf("%w: stack has %d entries", ErrMalformedAccountState, len(stack))
	}

	version, ok := stack[0].(*big.Int)
	if !ok || version == nil {
		return nil, fmt.Errorf("%w: code version is %T", ErrMalformedAccountState, stack[0])
	}
	if !version.IsInt64() {
		return nil, fmt.Errorf("%w: code version out of range", ErrMalformedAccountState)
	}

	ownerSlice, err := asSlice(stack[2])
	if err != nil {
		return nil, fmt.Errorf("%w: owner: %v", ErrMalformedAccountState, err)
	}
	owner, err := ownerSlice.LoadAddr()
	if err != nil {
		return nil, fmt.Errorf("%w: owner address: %v", ErrMalformedAccountState, err)
	}

	state := &AccountState{
		CodeVersion: version.Int64(),
		Owner:       owner,
		principals:  map[string]*big.Int{},
	}

	if len(stack) < 4 || stack[3] == nil {
		return state, nil
	}

	root, err := asCell(stack[3])
	if err != nil {
		return nil, fmt.Errorf("%w: principals: %v", ErrMalformedAccountState, err)
	}
	entries, err := root.AsDict(256).LoadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: principals dict: %v", ErrMalformedAccountState, err)
	}
	for _, kv := range entries {
		id, err := kv.Key.LoadBigUInt(256)
		if err != nil {
			return nil, fmt.Errorf("%w: principal key: %v", ErrMalformedAccountState, err)
		}
		v, err := kv.Value.LoadInt(64)
		if err != nil {
			return nil, fmt.Errorf("%w: principal value: %v", ErrMalformedAccountState, err)
		}
		state.principals[id.String()] = big.NewInt(v)
	}

	return state, nil
}

func asSlice(v any) (*cell.Slice, error) {
	switch c := v.(type) {
	case *cell.Cell:
		if c == nil {
			return nil, fmt.Errorf("nil cell")
		}
		return c.BeginParse(), nil
	case *cell.Slice:
		if c == nil {
			return nil, fmt.Errorf("nil slice")
		}
		return c.Copy(), nil
	default:
		return nil, fmt.Errorf("unexpected stack type %T", v)
	}
}

func asCell(v any) (*cell.Cell, error) {
	switch c := v.(type) {
	case *cell.Cell:
		if c == nil {
			return nil, fmt.Errorf("nil cell")
		}
		return c, nil
	case *cell.Slice:
		if c == nil {
			return nil, fmt.Errorf("nil slice")
		}
		return c.ToCell()
	default:
		return nil, fmt.Errorf("unexpected stack type %T", v)
	}
}

package contracts

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

var (
	weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))
	zeroAddress = strings.ToLower(common.Address{}.Hex())
)

// Caller executes eth_call against the latest state.
type Caller interface {
	CallContract(ctx context.Context, address string, data []byte) ([]byte, error)
}

// CallConstant invokes a no-argument constant method and returns its first output.
func CallConstant(ctx context.Context, c Caller, address string, a *abi.ABI, method string) (any, error) {
	input, err := a.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := c.CallContract(ctx, address, input)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, address, err)
	}

	values, err := a.Unpack(method, out)
	if err != nil {
		// Some early tokens return bytes32 from name and symbol.
		if m := a.Methods[method]; len(out) == 32 && len(m.Outputs) == 1 && m.Outputs[0].Type.T == abi.StringTy {
			return string(bytes.TrimRight(out, "\x00")), nil
		}

		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}

	return values[0], nil
}

// MetadataReader reads the constant metadata of recognised contracts. Calls
// that fail leave their field empty.
type MetadataReader struct {
	caller Caller
}

func NewMetadataReader(c Caller) *MetadataReader {
	return &MetadataReader{caller: c}
}

func (r *MetadataReader) str(ctx context.Context, address string, a *abi.ABI, method string) string {
	v, err := CallConstant(ctx, r.caller, address, a, method)
	if err != nil {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case *big.Int:
		return t.String()
	case common.Address:
		return strings.ToLower(t.Hex())
	default:
		return fmt.Sprint(t)
	}
}

// Read returns the metadata for address given its bytecode.
func (r *MetadataReader) Read(ctx context.Context, address, bytecode string) model.Metadata {
	var md model.Metadata

	meta := mustABI(Metadata)
	if Implements(meta, bytecode) {
		md.Name = r.str(ctx, address, meta, "name")
		md.Symbol = r.str(ctx, address, meta, "symbol")
	}

	sale := mustABI(Crowdsale)
	if !Implements(sale, bytecode) {
		return md
	}

	cs := &model.Crowdsale{
		Wallet:    r.str(ctx, address, sale, "wallet"),
		Rate:      r.str(ctx, address, sale, "rate"),
		WeiRaised: r.str(ctx, address, sale, "weiRaised"),
		Token:     r.str(ctx, address, sale, "token"),
	}

	if wei, ok := new(big.Int).SetString(cs.WeiRaised, 10); ok {
		cs.EthRaised = new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Text('f', -1)
	}

	if cs.Token != "" && cs.Token != zeroAddress {
		cs.TokenName = r.str(ctx, cs.Token, meta, "name")
		cs.TokenSymbol = r.str(ctx, cs.Token, meta, "symbol")
	}

	md.Crowdsale = cs

	return md
}

package contracts

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

func bytecodeFor(names ...string) string {
	var sb strings.Builder

	sb.WriteString("0x6080604052")

	for _, name := range names {
		for _, sig := range Signatures(mustABI(name)) {
			sb.WriteString("63")
			sb.WriteString(sig)
		}
	}

	return sb.String()
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		bytecode string
		want     model.Implements
	}{
		{"empty code", "0x", model.Implements{}},
		{"erc20", bytecodeFor(ERC20), model.Implements{ERC20: true}},
		{"erc721", bytecodeFor(ERC721), model.Implements{ERC721: true}},
		{"crowdsale", bytecodeFor(Crowdsale), model.Implements{Crowdsale: true}},
		{"erc20 and crowdsale", bytecodeFor(ERC20, Crowdsale), model.Implements{ERC20: true, Crowdsale: true}},
		{"uppercase hex", strings.ToUpper(bytecodeFor(ERC20)), model.Implements{ERC20: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.bytecode))
		})
	}
}

func TestDetect_PartialInterfaceDoesNotMatch(t *testing.T) {
	sigs := Signatures(mustABI(ERC20))
	code := "0x" + strings.Join(sigs[1:], "")

	assert.False(t, Detect(code).ERC20)
}

func TestIsContract(t *testing.T) {
	assert.False(t, IsContract(""))
	assert.False(t, IsContract("0x"))
	assert.False(t, IsContract("0x0000"))
	assert.True(t, IsContract("0x6080"))
}

func TestABI_Unknown(t *testing.T) {
	_, err := ABI("erc1155")
	assert.Error(t, err)
}

func addressTopic(a string) string {
	return common.BytesToHash(common.HexToAddress(a).Bytes()).Hex()
}

func word(v int64) string {
	return hex.EncodeToString(common.BigToHash(big.NewInt(v)).Bytes())
}

func transferLog() *model.Log {
	return &model.Log{
		TransactionHash: "0xt",
		Topics: []string{
			mustABI(Events).Events["Transfer"].ID.Hex(),
			addressTopic("0x00000000000000000000000000000000000000AA"),
			addressTopic("0x00000000000000000000000000000000000000BB"),
		},
		Data: "0x" + word(1000),
	}
}

func TestDecoder_GenericFallback(t *testing.T) {
	decoded := NewDecoder(nil).Decode(transferLog())

	assert.Equal(t, "Transfer", decoded.Event)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", decoded.Args["from"])
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", decoded.Args["to"])
	assert.Equal(t, "1000", decoded.Args["value"])
}

func TestDecoder_ContractABI(t *testing.T) {
	contractABI := []byte(`[{"type":"event","name":"Stored","anonymous":false,"inputs":[{"name":"who","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"ok","type":"bool","indexed":false}]}]`)

	parsed, err := abi.JSON(strings.NewReader(string(contractABI)))
	require.NoError(t, err)

	l := &model.Log{
		Topics: []string{parsed.Events["Stored"].ID.Hex(), addressTopic("0x01")},
		Data:   "0x" + word(7) + word(1),
	}

	d := NewDecoder(contractABI)
	decoded := d.Decode(l)

	assert.Equal(t, "Stored", decoded.Event)
	assert.Equal(t, "7", decoded.Args["amount"])
	assert.Equal(t, true, decoded.Args["ok"])

	// Events missing from the contract ABI still decode with the generic set.
	assert.Equal(t, "Transfer", d.Decode(transferLog()).Event)
}

func TestDecoder_EmptyDecodings(t *testing.T) {
	erc721Transfer := transferLog()
	erc721Transfer.Topics = append(erc721Transfer.Topics, common.BigToHash(big.NewInt(1)).Hex())
	erc721Transfer.Data = "0x"

	badData := transferLog()
	badData.Data = "0xzz"

	shortData := transferLog()
	shortData.Data = "0x01"

	tests := []struct {
		name string
		abi  []byte
		log  *model.Log
	}{
		{"no topics", nil, &model.Log{Data: "0x"}},
		{"unknown event", nil, &model.Log{Topics: []string{common.HexToHash("0x1234").Hex()}, Data: "0x"}},
		{"topic count mismatch", nil, erc721Transfer},
		{"invalid hex data", nil, badData},
		{"short data", nil, shortData},
		{"unparseable abi falls back and misses", []byte(`{not json`), &model.Log{Topics: []string{common.HexToHash("0x99").Hex()}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decoded := NewDecoder(tc.abi).Decode(tc.log)
			assert.True(t, decoded.Empty())
			assert.Nil(t, decoded.Args)
		})
	}
}

func TestDecoder_DecodeAll(t *testing.T) {
	logs := []*model.Log{transferLog(), {Topics: []string{common.HexToHash("0x1234").Hex()}}}

	NewDecoder(nil).DecodeAll(logs)

	assert.Equal(t, "Transfer", logs[0].Decoded.Event)
	assert.True(t, logs[1].Decoded.Empty())
}

type fakeCaller struct {
	results map[string][]byte
	calls   int
}

func (f *fakeCaller) key(address string, data []byte) string {
	return strings.ToLower(address) + ":" + hex.EncodeToString(data)
}

func (f *fakeCaller) set(t *testing.T, address, name, method string, out []byte) {
	t.Helper()

	input, err := mustABI(name).Pack(method)
	require.NoError(t, err)

	f.results[f.key(address, input)] = out
}

func (f *fakeCaller) CallContract(_ context.Context, address string, data []byte) ([]byte, error) {
	f.calls++

	out, ok := f.results[f.key(address, data)]
	if !ok {
		return nil, errors.New("execution reverted")
	}

	return out, nil
}

func packOutput(t *testing.T, name, method string, v any) []byte {
	t.Helper()

	out, err := mustABI(name).Methods[method].Outputs.Pack(v)
	require.NoError(t, err)

	return out
}

func TestCallConstant(t *testing.T) {
	caller := &fakeCaller{results: map[string][]byte{}}
	caller.set(t, "0xc", Metadata, "name", packOutput(t, Metadata, "name", "Token"))

	v, err := CallConstant(context.Background(), caller, "0xc", mustABI(Metadata), "name")
	require.NoError(t, err)
	assert.Equal(t, "Token", v)

	_, err = CallConstant(context.Background(), caller, "0xc", mustABI(Metadata), "symbol")
	assert.Error(t, err)

	_, err = CallConstant(context.Background(), caller, "0xc", mustABI(Metadata), "decimals")
	assert.Error(t, err)
}

func TestCallConstant_Bytes32String(t *testing.T) {
	caller := &fakeCaller{results: map[string][]byte{}}

	raw := make([]byte, 32)
	copy(raw, "MKR")
	caller.set(t, "0xc", Metadata, "symbol", raw)

	v, err := CallConstant(context.Background(), caller, "0xc", mustABI(Metadata), "symbol")
	require.NoError(t, err)
	assert.Equal(t, "MKR", v)
}

func TestMetadataReader_Read(t *testing.T) {
	sale := "0x00000000000000000000000000000000000000c5"
	token := common.HexToAddress("0x00000000000000000000000000000000000000d7")
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000e9")

	caller := &fakeCaller{results: map[string][]byte{}}
	caller.set(t, sale, Crowdsale, "wallet", packOutput(t, Crowdsale, "wallet", wallet))
	caller.set(t, sale, Crowdsale, "rate", packOutput(t, Crowdsale, "rate", big.NewInt(400)))
	caller.set(t, sale, Crowdsale, "weiRaised", packOutput(t, Crowdsale, "weiRaised", new(big.Int).Mul(big.NewInt(3), big.NewInt(500_000_000_000_000_000))))
	caller.set(t, sale, Crowdsale, "token", packOutput(t, Crowdsale, "token", token))
	caller.set(t, strings.ToLower(token.Hex()), Metadata, "name", packOutput(t, Metadata, "name", "Sale Token"))
	caller.set(t, strings.ToLower(token.Hex()), Metadata, "symbol", packOutput(t, Metadata, "symbol", "SALE"))

	md := NewMetadataReader(caller).Read(context.Background(), sale, bytecodeFor(Crowdsale))

	assert.Empty(t, md.Name, "metadata methods are only read when present in the bytecode")
	require.NotNil(t, md.Crowdsale)
	assert.Equal(t, strings.ToLower(wallet.Hex()), md.Crowdsale.Wallet)
	assert.Equal(t, "400", md.Crowdsale.Rate)
	assert.Equal(t, "1500000000000000000", md.Crowdsale.WeiRaised)
	assert.Equal(t, "1.5", md.Crowdsale.EthRaised)
	assert.Equal(t, "Sale Token", md.Crowdsale.TokenName)
	assert.Equal(t, "SALE", md.Crowdsale.TokenSymbol)
}

func TestMetadataReader_FailedCallsLeaveFieldsEmpty(t *testing.T) {
	caller := &fakeCaller{results: map[string][]byte{}}
	caller.set(t, "0xc", Metadata, "name", packOutput(t, Metadata, "name", "Only Name"))

	md := NewMetadataReader(caller).Read(context.Background(), "0xc", bytecodeFor(Metadata))

	assert.Equal(t, "Only Name", md.Name)
	assert.Empty(t, md.Symbol)
	assert.Nil(t, md.Crowdsale)
	assert.Equal(t, 2, caller.calls)
}

func TestMetadataReader_PlainAccount(t *testing.T) {
	caller := &fakeCaller{results: map[string][]byte{}}

	md := NewMetadataReader(caller).Read(context.Background(), "0xc", "0x")

	assert.Equal(t, model.Metadata{}, md)
	assert.Zero(t, caller.calls)
}

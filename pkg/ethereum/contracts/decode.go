package contracts

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

// Decoder decodes logs with a contract's own ABI, falling back to the
// generic token events. Bad input yields the empty decoding.
type Decoder struct {
	primary  *abi.ABI
	fallback *abi.ABI
}

// NewDecoder parses contractABI, which may be nil. An unparseable ABI is
// ignored in favour of the generic events.
func NewDecoder(contractABI []byte) *Decoder {
	d := &Decoder{fallback: mustABI(Events)}

	if len(contractABI) > 0 {
		if parsed, err := abi.JSON(bytes.NewReader(contractABI)); err == nil {
			d.primary = &parsed
		}
	}

	return d
}

// DecodeAll fills Decoded on every log.
func (d *Decoder) DecodeAll(logs []*model.Log) {
	for _, l := range logs {
		l.Decoded = d.Decode(l)
	}
}

func (d *Decoder) Decode(l *model.Log) model.DecodedLog {
	if len(l.Topics) == 0 {
		return model.DecodedLog{}
	}

	if d.primary != nil {
		if decoded, ok := decodeWith(d.primary, l); ok {
			return decoded
		}
	}

	if decoded, ok := decodeWith(d.fallback, l); ok {
		return decoded
	}

	return model.DecodedLog{}
}

func decodeWith(a *abi.ABI, l *model.Log) (model.DecodedLog, bool) {
	event, err := a.EventByID(common.HexToHash(l.Topics[0]))
	if err != nil {
		return model.DecodedLog{}, false
	}

	var indexed abi.Arguments

	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	if len(indexed) != len(l.Topics)-1 {
		return model.DecodedLog{}, false
	}

	args := make(map[string]any, len(event.Inputs))

	data, err := hex.DecodeString(strings.TrimPrefix(l.Data, "0x"))
	if err != nil {
		return model.DecodedLog{}, false
	}

	if err := event.Inputs.NonIndexed().UnpackIntoMap(args, data); err != nil {
		return model.DecodedLog{}, false
	}

	topics := make([]common.Hash, 0, len(indexed))
	for _, t := range l.Topics[1:] {
		topics = append(topics, common.HexToHash(t))
	}

	if err := abi.ParseTopicsIntoMap(args, indexed, topics); err != nil {
		return model.DecodedLog{}, false
	}

	for k, v := range args {
		args[k] = jsonValue(v)
	}

	return model.DecodedLog{Event: event.Name, Args: args}, true
}

// jsonValue turns abi values into strings and primitives that survive a JSON
// round trip without losing precision.
func jsonValue(v any) any {
	switch t := v.(type) {
	case *big.Int:
		return t.String()
	case common.Address:
		return strings.ToLower(t.Hex())
	case common.Hash:
		return t.Hex()
	case [32]byte:
		return "0x" + hex.EncodeToString(t[:])
	case []byte:
		return "0x" + hex.EncodeToString(t)
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64, bool, string:
		return t
	default:
		return v
	}
}

// Package contracts recognises well-known contract interfaces, decodes their
// logs and reads their constant methods.
package contracts

import (
	"bytes"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/ethpandaops/chain-indexer/pkg/model"
)

//go:embed abis/*.json
var abiFiles embed.FS

const (
	ERC20            = "erc20"
	ERC721           = "erc721"
	ERC721Original   = "erc721_original"
	Crowdsale        = "crowdsale"
	NonFungibleToken = "non_fungible_token"
	Metadata         = "metadata"
	Events           = "events"
)

var (
	loadOnce sync.Once
	loaded   map[string]*abi.ABI
	loadErr  error
)

func load() (map[string]*abi.ABI, error) {
	loadOnce.Do(func() {
		loaded = make(map[string]*abi.ABI)

		for _, name := range []string{ERC20, ERC721, ERC721Original, Crowdsale, NonFungibleToken, Metadata, Events} {
			raw, err := abiFiles.ReadFile("abis/" + name + ".json")
			if err != nil {
				loadErr = fmt.Errorf("failed to read abi %s: %w", name, err)

				return
			}

			parsed, err := abi.JSON(bytes.NewReader(raw))
			if err != nil {
				loadErr = fmt.Errorf("failed to parse abi %s: %w", name, err)

				return
			}

			loaded[name] = &parsed
		}
	})

	return loaded, loadErr
}

// ABI returns one of the bundled interfaces by name.
func ABI(name string) (*abi.ABI, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}

	a, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown abi %q", name)
	}

	return a, nil
}

func mustABI(name string) *abi.ABI {
	a, err := ABI(name)
	if err != nil {
		panic(err)
	}

	return a
}

// Signatures returns the 4-byte selector of every method and event in a,
// hex encoded without prefix.
func Signatures(a *abi.ABI) []string {
	out := make([]string, 0, len(a.Methods)+len(a.Events))

	for _, m := range a.Methods {
		out = append(out, hex.EncodeToString(m.ID))
	}

	for _, e := range a.Events {
		out = append(out, hex.EncodeToString(e.ID[:4]))
	}

	return out
}

// Implements reports whether every selector of a appears in bytecode.
func Implements(a *abi.ABI, bytecode string) bool {
	code := strings.ToLower(strings.TrimPrefix(bytecode, "0x"))
	if code == "" {
		return false
	}

	for _, sig := range Signatures(a) {
		if !strings.Contains(code, sig) {
			return false
		}
	}

	return true
}

// Detect checks bytecode against every bundled interface.
func Detect(bytecode string) model.Implements {
	return model.Implements{
		ERC20:            Implements(mustABI(ERC20), bytecode),
		ERC721:           Implements(mustABI(ERC721), bytecode),
		ERC721Original:   Implements(mustABI(ERC721Original), bytecode),
		Crowdsale:        Implements(mustABI(Crowdsale), bytecode),
		NonFungibleToken: Implements(mustABI(NonFungibleToken), bytecode),
	}
}

// IsContract reports whether code returned by eth_getCode is non-empty.
func IsContract(code string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(code), "0x")

	return strings.Trim(trimmed, "0") != ""
}

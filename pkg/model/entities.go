// Package model holds the indexed chain entities and their lifecycle.
package model

import "strings"

// Block is a block row. Hash is the identity; number is not unique across forks.
type Block struct {
	Hash             string `json:"hash"`
	Number           uint64 `json:"number"`
	ParentHash       string `json:"parent_hash"`
	Difficulty       string `json:"difficulty"`
	GasLimit         uint64 `json:"gas_limit"`
	GasUsed          uint64 `json:"gas_used"`
	Miner            string `json:"miner"`
	Nonce            string `json:"nonce"`
	Timestamp        uint64 `json:"timestamp"`
	Size             uint64 `json:"size"`
	BaseFee          string `json:"base_fee,omitempty"`
	TransactionCount int    `json:"transaction_count"`
	Status           Status `json:"-"`
}

// Transaction is a transaction row together with its receipt columns.
type Transaction struct {
	Hash              string  `json:"hash"`
	BlockHash         string  `json:"block_hash"`
	BlockNumber       uint64  `json:"block_number"`
	TransactionIndex  uint    `json:"transaction_index"`
	From              string  `json:"from"`
	To                string  `json:"to,omitempty"`
	Value             string  `json:"value"`
	Gas               uint64  `json:"gas"`
	GasPrice          string  `json:"gas_price"`
	Nonce             uint64  `json:"nonce"`
	Input             string  `json:"input"`
	GasUsed           uint64  `json:"gas_used"`
	CumulativeGasUsed uint64  `json:"cumulative_gas_used"`
	ReceiptStatus     *uint64 `json:"receipt_status,omitempty"`
	LogsBloom         string  `json:"logs_bloom,omitempty"`
	ContractAddress   string  `json:"contract_address,omitempty"`
	Status            Status  `json:"-"`
	InternalStatus    Status  `json:"-"`
}

// Counterparty returns the recipient, or the created contract for deployments.
func (t *Transaction) Counterparty() string {
	if t.To != "" {
		return t.To
	}

	return t.ContractAddress
}

// DecodedLog is the ABI decoding of a log. The zero value is the empty decoding.
type DecodedLog struct {
	Event string         `json:"event,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

func (d DecodedLog) Empty() bool {
	return d.Event == ""
}

// Log is identified by (TransactionHash, LogIndex).
type Log struct {
	TransactionHash string     `json:"transaction_hash"`
	LogIndex        uint       `json:"log_index"`
	BlockHash       string     `json:"block_hash"`
	BlockNumber     uint64     `json:"block_number"`
	Address         string     `json:"address"`
	Data            string     `json:"data"`
	Topics          []string   `json:"topics"`
	Removed         bool       `json:"removed"`
	Decoded         DecodedLog `json:"decoded"`
	Status          Status     `json:"-"`
}

// InternalTransaction is identified by (TransactionHash, Index).
type InternalTransaction struct {
	TransactionHash string `json:"transaction_hash"`
	Index           int    `json:"internal_transaction_index"`
	BlockHash       string `json:"block_hash"`
	BlockNumber     uint64 `json:"block_number"`
	Type            string `json:"type"`
	From            string `json:"from"`
	To              string `json:"to,omitempty"`
	Value           string `json:"value"`
	Gas             uint64 `json:"gas"`
	GasUsed         uint64 `json:"gas_used"`
	Input           string `json:"input,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	TraceAddress    []int  `json:"trace_address"`
	Error           string `json:"error,omitempty"`
	Status          Status `json:"-"`
}

// Implements records which well-known interfaces a contract's bytecode carries.
type Implements struct {
	ERC20            bool `json:"erc20"`
	ERC721           bool `json:"erc721"`
	ERC721Original   bool `json:"erc721_original"`
	Crowdsale        bool `json:"crowdsale"`
	NonFungibleToken bool `json:"non_fungible_token"`
}

type Crowdsale struct {
	Wallet      string `json:"wallet,omitempty"`
	Rate        string `json:"rate,omitempty"`
	WeiRaised   string `json:"wei_raised,omitempty"`
	EthRaised   string `json:"eth_raised,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenName   string `json:"token_name,omitempty"`
	TokenSymbol string `json:"token_symbol,omitempty"`
}

// Metadata holds values read from a contract's constant methods.
type Metadata struct {
	Name      string     `json:"name,omitempty"`
	Symbol    string     `json:"symbol,omitempty"`
	Crowdsale *Crowdsale `json:"crowdsale,omitempty"`
}

type Address struct {
	Address    string     `json:"address"`
	Bytecode   string     `json:"bytecode,omitempty"`
	IsContract bool       `json:"is_contract"`
	Implements Implements `json:"implements"`
	ABI        []byte     `json:"-"`
	Metadata   Metadata   `json:"metadata"`
	Status     Status     `json:"-"`
}

// BlockProgress summarises how far a block's transactions have travelled.
type BlockProgress struct {
	Hash             string `json:"hash"`
	Number           uint64 `json:"number"`
	Status           Status `json:"status"`
	TransactionCount int    `json:"transaction_count"`
	ImportedCount    int    `json:"imported_count"`
	IndexedCount     int    `json:"indexed_count"`
}

// NormalizeHex lowercases a hex identifier so keys compare consistently.
func NormalizeHex(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

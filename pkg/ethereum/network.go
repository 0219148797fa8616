package ethereum

import (
	"fmt"
)

// Network names a well-known chain.
type Network struct {
	ID   int64
	Name string
}

var networkMap = map[int64]Network{
	1:        {ID: 1, Name: "mainnet"},
	61:       {ID: 61, Name: "classic"},
	63:       {ID: 63, Name: "mordor"},
	100:      {ID: 100, Name: "gnosis"},
	17000:    {ID: 17000, Name: "holesky"},
	560048:   {ID: 560048, Name: "hoodi"},
	11155111: {ID: 11155111, Name: "sepolia"},
}

// GetNetworkByChainID looks a chain id up in the table of known networks.
func GetNetworkByChainID(chainID int64) (*Network, error) {
	if network, ok := networkMap[chainID]; ok {
		return &network, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedChainID, chainID)
}

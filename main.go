package main

import "github.com/ethpandaops/chain-indexer/cmd"

func main() {
	cmd.Execute()
}

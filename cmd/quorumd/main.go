package main

import (
	"fmt"
	"os"

	"github.com/quorumchain/quorumchain/cmd/quorumd/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

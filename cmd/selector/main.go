package main

import (
	"os"

	"github.com/kestrelhpc/kestrel/cmd/selector/cmd"
	"github.com/kestrelhpc/kestrel/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

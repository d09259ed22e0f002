package main

import (
	"github.com/Paintersrp/cheese/internal/cli"
	"github.com/Paintersrp/cheese/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}

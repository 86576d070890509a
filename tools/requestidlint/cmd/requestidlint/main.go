package main

import (
	"github.com/trinolb/trino-lb/tools/requestidlint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}

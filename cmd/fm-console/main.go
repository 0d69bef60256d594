package main

import (
	"github.com/theCapypara/field-monitor-sub000/internal/cli"
)

func main() {
	cli.Execute()
}

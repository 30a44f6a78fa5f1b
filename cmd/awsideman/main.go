package main

import (
	"os"

	"github.com/vikyol/awsideman/cmd/awsideman/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

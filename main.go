package main

import (
	"os"

	"ctrbuild/internal/ctrbuild"
)

func main() {
	os.Exit(ctrbuild.Main())
}

package main

import (
	"os"

	"cellar/internal/cellar"
)

func main() {
	os.Exit(cellar.Main())
}

package main

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/javi11/nntp-storage/cmd"
)

func main() {
	cmd.Execute()
}

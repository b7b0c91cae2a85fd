package main

import "github.com/connesc/ndecrypt/internal/cmd"

func main() {
	cmd.Execute()
}

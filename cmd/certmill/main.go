package main

import "github.com/certmill/certmill/cmd/certmill/cmd"

func main() {
	cmd.Execute()
}

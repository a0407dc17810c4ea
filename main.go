package main

import "github.com/theirongolddev/tcap/cmd"

func main() {
	cmd.Execute()
}

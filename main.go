package main

import "github.com/sablecrm/telebridge/cmd"

func main() {
	cmd.Execute()
}

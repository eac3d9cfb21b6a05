package main

import "github.com/conneroisu/gomega/cmd"

func main() {
	cmd.Execute()
}

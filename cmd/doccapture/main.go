package main

import "github.com/JakeFAU/gated-doc-capture/cmd"

func main() {
	cmd.Execute()
}

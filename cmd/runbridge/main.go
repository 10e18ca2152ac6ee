package main

import "github.com/vanpelt/runbridge/internal/cmd"

func main() {
	cmd.Execute()
}

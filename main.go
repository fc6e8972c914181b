package main

import "msgrelay/cmd"

func main() {
	cmd.Execute()
}

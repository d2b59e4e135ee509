package main

import "github.com/encodeous/motenet/cmd"

func main() {
	cmd.Execute()
}

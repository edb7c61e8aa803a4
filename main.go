package main

import "github.com/yarlson/ralph-loop/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/Norgate-AV/wasmbundle/cmd"

func main() {
	cmd.Execute()
}

package main

import "wanistream/cmd"

func main() {
	cmd.Execute()
}

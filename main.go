package main

import "github.com/andresmejia3/bestframe/cmd"

func main() {
	cmd.Execute()
}

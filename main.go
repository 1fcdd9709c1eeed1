package main

import "github.com/andresmejia3/mobileface/cmd"

func main() {
	cmd.Execute()
}

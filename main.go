package main

import "github.com/ValentinKolb/nKV/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/dogtagpki/pki-sub041/cmd/pkiconn/cmd"

func main() {
	cmd.Execute()
}

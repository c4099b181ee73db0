package main

import "github.com/brocaar/chirpstack-device-stack/cmd/chirpstack-device/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}

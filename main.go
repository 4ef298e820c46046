// Command iceagentd hosts a single ICE connectivity-check agent behind a
// UDP socket, driven by the config file and flags documented in
// internal/cli.
package main

import "github.com/SkySwitch/mediastreamer2/internal/cli"

func main() {
	cli.Execute()
}

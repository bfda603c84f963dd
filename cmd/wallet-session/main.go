package main

import "github.com/quantumauth-io/wallet-session-client/cmd/wallet-session/cmd"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cmd.Execute(cmd.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})
}

package clicommand

import "github.com/urfave/cli"

var AgentCommands = []cli.Command{
	AgentStartCommand,
}

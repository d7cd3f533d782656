// Program rpcd serves unary RPC services and issues calls to them.
package main

import (
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Config string `flag:"config,Path of the YAML configuration file"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Serve and call unary RPC services.

Settings are read from the file named by -config, if any, and then from
RPCD_* environment variables. See the config package for the full list.`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[-config path]",
				Help: `Run the server until interrupted.

The server always provides the health.Health service. When a database is
configured, it also provides kv.Store backed by that database.`,
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "<Service.Method> [<json-request>]",
				Help: `Issue one call and print the JSON result.

The target is the -addr flag if set, and otherwise an instance discovered
through the configured registry.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

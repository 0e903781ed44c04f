package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

type options struct {
	help       bool
	configPath string
	logLevel   string
}

func parseFlags(args []string) (*options, []string, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("offlinemap", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.BoolVarP(&opts.help, "help", "h", false, "this help")
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "set config `file` (toml, yaml or json)")
	flagSet.StringVarP(&opts.logLevel, "log-level", "l", "", "override the configured log level")
	flagSet.Usage = func() { usage(os.Stderr) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return &options{help: true}, nil, nil
		}
		return nil, nil, err
	}
	if opts.help {
		usage(os.Stderr)
		printDefaults(os.Stderr, flagSet)
	}
	return opts, flagSet.Args(), nil
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: offlinemap [-h] [-c file] [-l level] <command>

Commands:
  serve              run the HTTP server
  import <archive>   import an MBTiles archive and show its progress
`)
}

func printDefaults(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

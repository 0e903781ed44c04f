// Command offlinemap serves map tiles, styles, glyphs and sprites from a
// local store, importing MBTiles archives and caching upstream data.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, rest, err := parseFlags(args)
	if err != nil || opts.help {
		return err
	}
	if len(rest) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("missing command")
	}

	switch rest[0] {
	case "serve":
		return serve(opts)
	case "import":
		if len(rest) != 2 {
			return fmt.Errorf("usage: offlinemap import <archive.mbtiles>")
		}
		return importArchive(opts, rest[1])
	case workerCommand:
		return runWorker()
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

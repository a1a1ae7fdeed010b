package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/deltaup/deltaup"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"update":      {update},
		"check":       {check},
		"status":      {status},
		"clear":       {cmdclear},
		"pack":        {cmdpack},
		"init":        {repoInit},
		"register":    {register},
		"unregister":  {unregister},
		"set-current": {setCurrent},
		"versions":    {versions},
		"packages":    {packages},
		"env":         {printenv},
	}

	args := flag.Args()
	verb := "status"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "deltaup [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use deltaup <command> -help or deltaup help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Workspace commands:\n")
			fmt.Fprintf(os.Stderr, "\tupdate      - bring the workspace to a revision\n")
			fmt.Fprintf(os.Stderr, "\tcheck       - verify workspace integrity\n")
			fmt.Fprintf(os.Stderr, "\tstatus      - show the workspace state\n")
			fmt.Fprintf(os.Stderr, "\tclear       - drop scratch downloads and update progress\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Repository commands:\n")
			fmt.Fprintf(os.Stderr, "\tpack        - build a complete or patch package\n")
			fmt.Fprintf(os.Stderr, "\tinit        - create empty repository indexes\n")
			fmt.Fprintf(os.Stderr, "\tregister    - register a built package and its version\n")
			fmt.Fprintf(os.Stderr, "\tunregister  - remove a package from the index\n")
			fmt.Fprintf(os.Stderr, "\tset-current - point the repository at a version\n")
			fmt.Fprintf(os.Stderr, "\tversions    - list repository versions\n")
			fmt.Fprintf(os.Stderr, "\tpackages    - list repository packages\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, canc := deltaup.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: deltaup <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

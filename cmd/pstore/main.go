package main

import (
	"io"
	"os"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}

// run executes one command line and releases the storage it opened.
func run(args []string, out io.Writer) error {
	root, a := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

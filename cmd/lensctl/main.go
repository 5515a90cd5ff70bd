// Command lensctl focuses record directories on archive entries, edits their
// archives and restores them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/meigma/lens"
)

// Exit codes.
const (
	exitError      = 1
	exitEntryMiss  = 3
	exitStackEmpty = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lensctl:", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if closeErr := a.close(); err == nil {
		err = closeErr
	}
	return err
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, lens.ErrEntryMiss):
		return exitEntryMiss
	case errors.Is(err, lens.ErrStackEmpty):
		return exitStackEmpty
	default:
		return exitError
	}
}

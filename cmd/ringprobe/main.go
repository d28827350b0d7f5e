// Command ringprobe demonstrates that a token-ring store reroutes requests
// around a failed node.
//
// Usage:
//
//	ringprobe ring                      # print the current ring
//	ringprobe resolve bird_01:2024-05-01
//	ringprobe stop cassandra-3
//	ringprobe start cassandra-3
//	ringprobe trace bird_01:2024-05-01
//	ringprobe run bird_01:2024-05-01    # full failure scenario
//	ringprobe simulate                  # the same, against an in-process cluster
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/scenario"
)

// Exit codes.
const (
	exitOK             = 0
	exitVerification   = 1
	exitConfiguration  = 2
	exitInfrastructure = 3
	exitDeclined       = 4
	exitUnknown        = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		fs:      afero.NewOsFs(),
		exec:    exec.New(),
		in:      os.Stdin,
		out:     os.Stdout,
		connect: openSession,
	}
	err := a.rootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringprobe: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, scenario.ErrDeclined):
		return exitDeclined
	case errors.Is(err, cluster.ErrVerificationFailure):
		return exitVerification
	case errors.Is(err, cluster.ErrConfiguration):
		return exitConfiguration
	case cluster.IsInfrastructure(err), errors.Is(err, cluster.ErrInvariantViolation):
		return exitInfrastructure
	default:
		return exitUnknown
	}
}

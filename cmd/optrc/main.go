// optrc is a CLI tool for validating operation definitions, and replaying
// span fixtures through them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("optrc")
	rootConfig.register(rootFlags)

	rootCommand := &ff.Command{
		Name:      "optrc",
		ShortHelp: "validate operation definitions and replay span fixtures",
		Flags:     rootFlags,
	}

	// Config for `optrc validate`.
	validateConfig := &validateConfig{rootConfig: rootConfig}
	validateFlags := ff.NewFlagSet("validate").SetParent(rootFlags)
	validateCommand := &ff.Command{
		Name:      "validate",
		ShortHelp: "check a definitions file",
		LongHelp:  "Report every problem in the definitions file, or print a summary of its tracers.",
		Flags:     validateFlags,
		Exec:      validateConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, validateCommand)

	// Config for `optrc replay`.
	replayConfig := &replayConfig{rootConfig: rootConfig}
	replayFlags := ff.NewFlagSet("replay").SetParent(rootFlags)
	replayConfig.register(replayFlags)
	replayCommand := &ff.Command{
		Name:      "replay",
		ShortHelp: "replay span fixtures through the definitions",
		LongHelp:  "Replay JSON lines fixtures, or stdin if none are given, on a fake clock, and print the resulting recordings.",
		Flags:     replayFlags,
		Exec:      replayConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, replayCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("OPTRC")); err != nil {
		return err
	}

	// Validation and set-up.
	logger, err := newLogger(rootConfig.logLevel, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()
	rootConfig.logger = logger

	if rootConfig.definitions == "" {
		return fmt.Errorf("definitions file (-d, --definitions) is required")
	}

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}

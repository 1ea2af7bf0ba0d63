package cmd

import (
	"errors"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/rosslagerwall/xsplice-build/pkg/diff"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// Exit codes consumed by the surrounding build tooling.
const (
	exitInternal    = 1
	exitUnsupported = 2
	exitNoChanges   = 3
)

// Execute runs the root command and translates the engine's error
// taxonomy into exit codes.
func Execute() {
	err := RootCmd().Execute()
	if err == nil {
		return
	}

	if errors.Is(err, diff.ErrNoChanges) {
		log.Infof(err.Error())
		os.Exit(exitNoChanges)
	}

	log.Errorf(err.Error())
	var diffErr *diff.DiffError
	if errors.As(err, &diffErr) {
		os.Exit(exitUnsupported)
	}
	os.Exit(exitInternal)
}

func RootCmd() *cobra.Command {
	opts := struct {
		Debug   bool
		Resolve bool
		Profile bool
	}{}

	rootCmd := &cobra.Command{
		Use:   "xsplice-build original.o patched.o running-image output.o",
		Short: "Build a live patch object from two versions of the same object file",
		Args:  cobra.ExactArgs(4),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Setup(opts.Debug)

			if opts.Profile {
				file, err := os.Create("cpu.pprof")
				if err != nil {
					return err
				}

				pprof.StartCPUProfile(file)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Profile {
				pprof.StopCPUProfile()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return diff.Run(args[0], args[1], args[2], args[3], diff.Options{
				Resolve: opts.Resolve,
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "show debug output")
	rootCmd.PersistentFlags().BoolVarP(&opts.Resolve, "resolve", "r", false, "resolve to-be-patched function addresses")
	rootCmd.PersistentFlags().BoolVarP(&opts.Profile, "profile", "p", false, "enable profiling")

	return rootCmd
}

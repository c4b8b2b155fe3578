package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/jsoperator"
	"github.com/wehubfusion/Daedalus/pkg/operator"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load an operator and report whether it starts",
	Long: `Check locates the operator source, imports the module and instantiates its
Operator without feeding it any input. Startup faults are printed and make the
command fail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, _ := cmd.Flags().GetString("source")
		if src == "" && len(args) > 0 {
			src = args[0]
		}
		if src == "" {
			return errors.New("--source is required")
		}

		cfg := &config.Config{}
		if cmd.Flags().Changed("config") {
			path, _ := cmd.Flags().GetString("config")
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
		} else {
			cfg.ApplyDefaults()
		}

		logger, err := cfg.Log.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		locator, err := newLocator(cfg.Source, logger)
		if err != nil {
			return err
		}
		interp, err := jsoperator.NewInterpreter(cfg.Interpreter, logger)
		if err != nil {
			return err
		}
		defer func() { _ = interp.Close() }()

		hostCfg := jsoperator.HostConfig{
			NodeID:     "check",
			OperatorID: "check",
			Source:     src,
			Locator:    locator,
			Logger:     logger,
		}
		return checkOperator(cmd.Context(), interp, hostCfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringP("source", "s", "", "Path or URL of the operator module")
}

// checkOperator runs a host over an already closed input channel, so the
// operator is loaded and released without handling any input
func checkOperator(ctx context.Context, interp *jsoperator.Interpreter, hostCfg jsoperator.HostConfig, out io.Writer) error {
	inputs := make(chan operator.IncomingEvent)
	close(inputs)
	events := operator.NewEventChannel(1)

	host, err := jsoperator.NewHost(interp, hostCfg, events, inputs)
	if err != nil {
		return err
	}
	if err := host.Run(ctx); err != nil {
		return err
	}

	switch ev := (<-events.Events()).(type) {
	case operator.FinishedEvent:
		fmt.Fprintf(out, "ok: %s\n", hostCfg.Source)
		return nil
	case operator.ErrorEvent:
		return ev.Err
	case operator.PanicEvent:
		fmt.Fprintf(os.Stderr, "%s\n", ev.Stack)
		return ev
	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
}

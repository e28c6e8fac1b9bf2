package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/darkhz/bluepolicy/logger"
	"github.com/darkhz/bluepolicy/simulator"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

// simulateCommand returns the command that replays a scenario file.
func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:      "simulate",
		Usage:     "Replay a scenario against simulated devices.",
		ArgsUsage: "<scenario.yaml>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log orchestrator decisions while the scenario runs.",
			},
			&cli.BoolFlag{
				Name:  "no-progress",
				Usage: "Do not display the step progress.",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return fmt.Errorf("a scenario file must be specified")
			}

			sc, err := simulator.LoadScenario(cliCtx.Args().First())
			if err != nil {
				return err
			}

			log := logger.Discard()
			if cliCtx.Bool("verbose") {
				loaded, err := loadConfig(cliCtx)
				if err != nil {
					return err
				}

				var closeLog func() error

				log, closeLog, err = logger.New(loaded.cfg.Values.LoggerOptions())
				if err != nil {
					return err
				}
				defer closeLog()
			}

			return runScenario(cliCtx, sc, log, !cliCtx.Bool("no-progress"))
		},
	}
}

// runScenario runs the scenario and prints its report.
func runScenario(cliCtx *cli.Context, sc *simulator.Scenario, log *slog.Logger, showProgress bool) error {
	var progress simulator.ProgressFunc

	if showProgress && len(sc.Steps) > 0 {
		bar := progressbar.NewOptions(
			len(sc.Steps),
			progressbar.OptionSetDescription(sc.Name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()

		progress = func(int, simulator.Step) {
			bar.Add(1)
		}
	}

	report, err := simulator.Run(cliCtx.Context, sc, log, progress)
	if err != nil {
		return err
	}

	printReport(cliCtx.App.Writer, report)

	if !report.Passed() {
		return fmt.Errorf("%d expectation(s) of '%s' failed", len(report.Failures), report.Name)
	}

	return nil
}

// printReport prints every recorded call, the retry counters and the
// failed expectations of a scenario run.
func printReport(w io.Writer, report *simulator.Report) {
	calls := newTable("#", "Method", "Profile", "Device", "Policy", "Result")

	for i, call := range report.Calls {
		policyValue := ""
		switch call.Method {
		case simulator.MethodSetPolicy, simulator.MethodStorePolicy:
			policyValue = title(call.Policy.String())
		}

		result, c := "ok", (*color.Color)(nil)
		if !call.Result {
			result, c = "rejected", color.New(color.FgYellow)
		}

		calls.add(c,
			strconv.Itoa(i+1),
			title(call.Method),
			title(call.Profile.String()),
			call.Device.String(),
			policyValue,
			result,
		)
	}

	fmt.Fprintf(w, "Scenario: %s\n\n", report.Name)
	calls.print(w)

	retries := report.Snapshot.Retries
	fmt.Fprintf(w, "\nNotifications: %d, retries scheduled: %d, fired: %d, cancelled: %d\n\n",
		len(report.Notifications), retries.Scheduled, retries.Fired, retries.Cancelled,
	)

	if report.Passed() {
		printSuccess(w, "All expectations passed")
		return
	}

	for _, failure := range report.Failures {
		color.New(color.FgRed).Fprintln(w, "[!] "+failure)
	}
}

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/darkhz/bluepolicy/config"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

const configMetadataKey = "config"

// loadedConfig is the configuration shared by every command.
type loadedConfig struct {
	cfg *config.Config
	k   *koanf.Koanf
}

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "bluepolicy",
		Usage:                  "Bluetooth profile connection policy daemon.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Decides which Bluetooth audio profiles may connect, and connects them.",
		Copyright:              "(c) darkhz.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Metadata:               make(map[string]any),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "adapter",
				Aliases: []string{"a"},
				EnvVars: []string{"BLUEPOLICY_ADAPTER"},
				Usage:   "Specify an adapter to use. (For example, hci0)",
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				EnvVars: []string{"BLUEPOLICY_DATABASE"},
				Usage:   "Specify the policy database file.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				EnvVars: []string{"BLUEPOLICY_LOG_LEVEL"},
				Usage:   "Specify the log level. (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "log-format",
				EnvVars: []string{"BLUEPOLICY_LOG_FORMAT"},
				Usage:   "Specify the log format. (text, json)",
			},
			&cli.StringFlag{
				Name:    "log-output",
				EnvVars: []string{"BLUEPOLICY_LOG_OUTPUT"},
				Usage:   "Specify where logs are written. (stdout, stderr or a file path)",
			},
			&cli.StringFlag{
				Name:    "retry-delay",
				Aliases: []string{"r"},
				EnvVars: []string{"BLUEPOLICY_RETRY_DELAY"},
				Usage:   "Specify the delay before the remaining profiles of a device are connected. (For example, '6s')",
			},
			&cli.BoolFlag{
				Name:    "le-audio-enabled-by-default",
				EnvVars: []string{"BLUEPOLICY_LE_AUDIO_ENABLED_BY_DEFAULT"},
				Usage:   "Allow LE audio on newly discovered devices.",
			},
			&cli.BoolFlag{
				Name:    "bypass-le-audio-allowlist",
				EnvVars: []string{"BLUEPOLICY_BYPASS_LE_AUDIO_ALLOWLIST"},
				Usage:   "Allow LE audio on every device, regardless of the allowlist.",
			},
			&cli.BoolFlag{
				Name:    "dual-mode-audio",
				EnvVars: []string{"BLUEPOLICY_DUAL_MODE_AUDIO"},
				Usage:   "Allow classic and LE audio on the same device.",
			},
			&cli.BoolFlag{
				Name:    "auto-connect-profiles",
				EnvVars: []string{"BLUEPOLICY_AUTO_CONNECT_PROFILES"},
				Usage:   "Connect profiles as soon as they are allowed on discovery.",
			},
			&cli.BoolFlag{
				Name:    "multi-hfp-fallback",
				EnvVars: []string{"BLUEPOLICY_MULTI_HFP_FALLBACK"},
				Usage:   "Connect every recent telephony device on power-on, if no audio device qualifies.",
			},
			&cli.BoolFlag{
				Name:    "quiet-mode",
				Aliases: []string{"q"},
				EnvVars: []string{"BLUEPOLICY_QUIET_MODE"},
				Usage:   "Do not connect devices automatically.",
			},
			&cli.StringSliceFlag{
				Name:    "le-audio-allowlist",
				EnvVars: []string{"BLUEPOLICY_LE_AUDIO_ALLOWLIST"},
				Usage:   "Specify devices that may use LE audio. (For example, 'AA:BB:CC:DD:EE:FF')",
			},
			&cli.BoolFlag{
				Name:    "generate",
				Aliases: []string{"g"},
				Usage:   "Generate configuration.",
				Action: func(cliCtx *cli.Context, _ bool) error {
					loaded, err := loadConfig(cliCtx)
					if err != nil {
						return err
					}

					if err := loaded.cfg.GenerateAndSave(loaded.k); err != nil {
						printWarn("the configuration could not be saved")
						return err
					}

					return nil
				},
			},
		},
		Before: func(cliCtx *cli.Context) error {
			_, err := loadConfig(cliCtx)

			return err
		},
		Commands: []*cli.Command{
			simulateCommand(),
			policyCommand(),
			historyCommand(),
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.Bool("generate") {
				return nil
			}

			loaded, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}

			return runDaemon(cliCtx, loaded.cfg)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

// loadConfig loads and validates the configuration once, and stores it
// in the application metadata for the commands that need it.
func loadConfig(cliCtx *cli.Context) (*loadedConfig, error) {
	if loaded, ok := cliCtx.App.Metadata[configMetadataKey].(*loadedConfig); ok {
		return loaded, nil
	}

	// required for koanf to merge all global flags under the root namespace.
	if cliCtx.Command != nil {
		name := cliCtx.Command.Name
		cliCtx.Command.Name = "global"
		defer func() { cliCtx.Command.Name = name }()
	}

	k, cfg := koanf.New("."), config.NewConfig()
	if err := cfg.Load(k, cliCtx); err != nil {
		return nil, err
	}
	if err := cfg.ValidateValues(); err != nil {
		return nil, err
	}

	loaded := &loadedConfig{cfg: cfg, k: k}
	cliCtx.App.Metadata[configMetadataKey] = loaded

	return loaded, nil
}

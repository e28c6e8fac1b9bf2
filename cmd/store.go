package cmd

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/store"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

// policyCommand returns the command that reads and writes stored policies.
func policyCommand() *cli.Command {
	deviceFlag := &cli.StringFlag{
		Name:     "device",
		Aliases:  []string{"d"},
		Usage:    "Specify the device address. (For example, 'AA:BB:CC:DD:EE:FF')",
		Required: true,
	}

	return &cli.Command{
		Name:  "policy",
		Usage: "Show or change the stored connection policies of a device.",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Show the stored policies of a device.",
				Flags: []cli.Flag{
					deviceFlag,
					&cli.StringFlag{
						Name:    "profile",
						Aliases: []string{"p"},
						Usage:   "Show the policy of a single profile.",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					device, err := bluetooth.ParseMAC(cliCtx.String("device"))
					if err != nil {
						return err
					}

					db, err := openStore(cliCtx)
					if err != nil {
						return err
					}
					defer db.Close()

					policies := newTable("Profile", "Policy")

					if name := cliCtx.String("profile"); name != "" {
						profile, err := bluetooth.ParseProfile(name)
						if err != nil {
							return fmt.Errorf("%s: %w", name, err)
						}

						p, err := db.ProfileConnectionPolicy(cliCtx.Context, device, profile)
						if err != nil {
							return err
						}

						policies.add(policyColor(p), title(profile.String()), title(p.String()))
						policies.print(cliCtx.App.Writer)

						return nil
					}

					stored, err := db.Policies(cliCtx.Context, device)
					if err != nil {
						return err
					}

					for _, profile := range bluetooth.Profiles() {
						p := stored[profile]
						policies.add(policyColor(p), title(profile.String()), title(p.String()))
					}

					allowlisted, err := db.IsLeAudioAllowlisted(cliCtx.Context, device)
					if err != nil {
						return err
					}

					policies.add(nil, "LE Audio Allowlist", strconv.FormatBool(allowlisted))
					policies.print(cliCtx.App.Writer)

					return nil
				},
			},
			{
				Name:  "set",
				Usage: "Store the policy of a device's profile.",
				Flags: []cli.Flag{
					deviceFlag,
					&cli.StringFlag{
						Name:     "profile",
						Aliases:  []string{"p"},
						Usage:    "Specify the profile. (telephony, classic-audio, hearing-aid, le-audio, coordinated-set)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "value",
						Aliases:  []string{"v"},
						Usage:    "Specify the policy. (allowed, forbidden)",
						Required: true,
					},
				},
				Action: func(cliCtx *cli.Context) error {
					device, err := bluetooth.ParseMAC(cliCtx.String("device"))
					if err != nil {
						return err
					}

					profile, err := bluetooth.ParseProfile(cliCtx.String("profile"))
					if err != nil {
						return fmt.Errorf("%s: %w", cliCtx.String("profile"), err)
					}

					p, err := bluetooth.ParseConnectionPolicy(cliCtx.String("value"))
					if err != nil {
						return fmt.Errorf("%s: %w", cliCtx.String("value"), err)
					}

					db, err := openStore(cliCtx)
					if err != nil {
						return err
					}
					defer db.Close()

					if err := db.SetProfileConnectionPolicy(cliCtx.Context, device, profile, p); err != nil {
						return err
					}

					printSuccess(cliCtx.App.Writer,
						fmt.Sprintf("%s policy of %s set to %s", title(profile.String()), device.String(), p.String()),
					)

					return nil
				},
			},
			{
				Name:  "allowlist",
				Usage: "Add a device to, or remove it from, the LE audio allowlist.",
				Flags: []cli.Flag{
					deviceFlag,
					&cli.BoolFlag{
						Name:  "remove",
						Usage: "Remove the device from the allowlist.",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					device, err := bluetooth.ParseMAC(cliCtx.String("device"))
					if err != nil {
						return err
					}

					db, err := openStore(cliCtx)
					if err != nil {
						return err
					}
					defer db.Close()

					allowed := !cliCtx.Bool("remove")
					if err := db.SetLeAudioAllowlisted(cliCtx.Context, device, allowed); err != nil {
						return err
					}

					action := "added to"
					if !allowed {
						action = "removed from"
					}

					printSuccess(cliCtx.App.Writer, fmt.Sprintf("%s %s the LE audio allowlist", device.String(), action))

					return nil
				},
			},
		},
	}
}

// historyCommand returns the command that shows the connection history.
func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show the devices that connected a profile, most recent first.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "profile",
				Aliases: []string{"p"},
				Usage:   "Specify the profiles to show. (Default: all)",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			profiles := bluetooth.Profiles()
			if names := cliCtx.StringSlice("profile"); len(names) > 0 {
				profiles = profiles[:0:0]

				for _, name := range names {
					profile, err := bluetooth.ParseProfile(name)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}

					if !slices.Contains(profiles, profile) {
						profiles = append(profiles, profile)
					}
				}
			}

			db, err := openStore(cliCtx)
			if err != nil {
				return err
			}
			defer db.Close()

			history := newTable("Profile", "Rank", "Device", "State", "Recorded")

			for _, profile := range profiles {
				facts, err := db.History(cliCtx.Context, profile)
				if err != nil {
					return err
				}

				for i, fact := range facts {
					state, c := "connected", color.New(color.FgGreen)
					if !fact.Connected {
						state, c = "disconnected", nil
					}

					history.add(c,
						title(profile.String()),
						strconv.Itoa(i+1),
						fact.Device.String(),
						title(state),
						fact.RecordedAt.Format(time.DateTime),
					)
				}
			}

			history.print(cliCtx.App.Writer)

			return nil
		},
	}
}

// openStore opens the configured policy database.
func openStore(cliCtx *cli.Context) (*store.SQLite, error) {
	loaded, err := loadConfig(cliCtx)
	if err != nil {
		return nil, err
	}

	return store.OpenSQLite(cliCtx.Context, loaded.cfg.Values.Database)
}

func policyColor(p bluetooth.ConnectionPolicy) *color.Color {
	switch p {
	case bluetooth.PolicyAllowed:
		return color.New(color.FgGreen)

	case bluetooth.PolicyForbidden:
		return color.New(color.FgRed)
	}

	return nil
}

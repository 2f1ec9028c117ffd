// Command pandora is the control-plane CLI for the Pandora Box optical
// calibration bench: one subcommand per controller operation, a shared
// --config flag naming the instrument's YAML configuration, and an exit
// code that distinguishes a safety-interlock refusal from a plain
// transport failure.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/stubbslab/pandora/internal/config"
	"github.com/stubbslab/pandora/internal/controller"
	"github.com/stubbslab/pandora/internal/devices/mount"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "pandora",
		Usage:   "drive the Pandora Box optical calibration bench",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/pandora/pandora.yaml", Usage: "path to the instrument YAML configuration"},
			&cli.StringFlag{Name: "run-id", Usage: "explicit RunID to resume; allocates the next RunID for today if omitted"},
		},
		Commands: []*cli.Command{
			setWavelengthCmd,
			getWavelengthCmd,
			openShutterCmd,
			closeShutterCmd,
			flipCmd,
			zaberCmd,
			keysightReadoutCmd,
			spectrometerReadoutCmd,
			throughputScanCmd,
			chargeScanCmd,
			mountCmd,
			devicesCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pandora:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a failure kind to a distinct process exit code so a
// calling script can tell a safety-interlock refusal apart from a plain
// transport or protocol failure without parsing the message.
func exitCodeFor(err error) int {
	switch pandoraerr.As(err) {
	case pandoraerr.SafetyViolation:
		return 2
	case pandoraerr.TransportError, pandoraerr.Timeout:
		return 3
	case pandoraerr.DeviceRejected, pandoraerr.ProtocolError:
		return 4
	default:
		return 1
	}
}

func openController(c *cli.Context) (*controller.Controller, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return controller.Open(c.Context, cfg, c.String("run-id"))
}

var setWavelengthCmd = &cli.Command{
	Name:      "set-wavelength",
	Usage:     "move the monochromator to a wavelength in nm",
	ArgsUsage: "<nm>",
	Action: func(c *cli.Context) error {
		nm, err := strconv.ParseFloat(c.Args().First(), 64)
		if err != nil {
			return fmt.Errorf("invalid wavelength %q: %w", c.Args().First(), err)
		}
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		return ctrl.SetWavelength(c.Context, nm)
	},
}

var getWavelengthCmd = &cli.Command{
	Name:  "get-wavelength",
	Usage: "read the monochromator's current wavelength",
	Action: func(c *cli.Context) error {
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		nm, err := ctrl.GetWavelength(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("%.1f nm\n", nm)
		return nil
	},
}

var openShutterCmd = &cli.Command{
	Name:  "open-shutter",
	Usage: "open the optical shutter",
	Action: func(c *cli.Context) error {
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		return ctrl.OpenShutter(c.Context)
	},
}

var closeShutterCmd = &cli.Command{
	Name:  "close-shutter",
	Usage: "close the optical shutter",
	Action: func(c *cli.Context) error {
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		return ctrl.CloseShutter(c.Context)
	},
}

var flipCmd = &cli.Command{
	Name:      "flip",
	Usage:     "drive or query a named flip mount",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "on", Usage: "insert the filter"},
		&cli.BoolFlag{Name: "off", Usage: "remove the filter"},
		&cli.BoolFlag{Name: "state", Usage: "print the cached ON/OFF state"},
		&cli.BoolFlag{Name: "listNames", Usage: "list every configured flip mount name"},
	},
	Action: func(c *cli.Context) error {
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()

		if c.Bool("listNames") {
			names := ctrl.FlipMountNames()
			sort.Strings(names)
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		fm, err := ctrl.FlipMount(c.Args().First())
		if err != nil {
			return err
		}
		switch {
		case c.Bool("on"):
			return fm.Activate(c.Context)
		case c.Bool("off"):
			return fm.Deactivate(c.Context)
		case c.Bool("state"):
			if fm.IsOn() {
				fmt.Println("ON")
			} else {
				fmt.Println("OFF")
			}
			return nil
		default:
			return fmt.Errorf("flip %s: one of --on, --off, --state, --listNames is required", c.Args().First())
		}
	},
}

var zaberCmd = &cli.Command{
	Name:      "zaber",
	Usage:     "drive a named Zaber stage to a slot or absolute position",
	ArgsUsage: "<controller> <slot-name-or-mm>",
	Action: func(c *cli.Context) error {
		controllerName := c.Args().First()
		target := c.Args().Get(1)
		if controllerName == "" || target == "" {
			return fmt.Errorf("zaber requires <controller> <slot-name-or-mm>")
		}
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()

		switch controllerName {
		case "ND":
			return ctrl.SetNDFilter(c.Context, target)
		case "pinhole":
			return ctrl.SetPinholeMask(c.Context, target)
		default:
			return fmt.Errorf("unknown zaber controller %q", controllerName)
		}
	},
}

var keysightReadoutCmd = &cli.Command{
	Name:      "get-keysight-readout",
	Usage:     "take one current-mode exposure and print the reduced means",
	ArgsUsage: "<exptime-seconds>",
	Action: func(c *cli.Context) error {
		exptime, err := strconv.ParseFloat(c.Args().First(), 64)
		if err != nil {
			return fmt.Errorf("invalid exposure time %q: %w", c.Args().First(), err)
		}
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		summary, err := ctrl.TakeExposure(c.Context, exptime, "keysight_readout")
		if err != nil {
			return err
		}
		fmt.Printf("expid=%d overflowed=%v\n", summary.ExpID, summary.Overflowed)
		return nil
	},
}

var spectrometerReadoutCmd = &cli.Command{
	Name:  "get-spectrometer-readout",
	Usage: "capture one spectrum from the fiber spectrometer",
	Action: func(c *cli.Context) error {
		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		spectrum, err := ctrl.AcquireSpectrum(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("%d samples\n", len(spectrum.Counts))
		return nil
	},
}

var throughputScanCmd = &cli.Command{
	Name:      "measure-pandora-throughput",
	Usage:     "sweep the monochromator, taking a dark/light/dark triple at each step",
	ArgsUsage: "<start-nm> <end-nm> <step-nm> <exptime-seconds> <nrepeats>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "description", Value: "throughput"},
		&cli.BoolFlag{Name: "overflow-retry"},
	},
	Action: func(c *cli.Context) error {
		args := c.Args()
		if args.Len() < 5 {
			return fmt.Errorf("measure-pandora-throughput requires <start-nm> <end-nm> <step-nm> <exptime-seconds> <nrepeats>")
		}
		start, _ := strconv.ParseFloat(args.Get(0), 64)
		end, _ := strconv.ParseFloat(args.Get(1), 64)
		step, _ := strconv.ParseFloat(args.Get(2), 64)
		exptime, _ := strconv.ParseFloat(args.Get(3), 64)
		nrepeats, _ := strconv.Atoi(args.Get(4))

		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		summaries, err := ctrl.WavelengthScan(c.Context, start, end, step, exptime, 0, nrepeats, c.String("description"), c.Bool("overflow-retry"))
		if err != nil {
			return err
		}
		fmt.Printf("%d rows committed\n", len(summaries))
		return nil
	},
}

var chargeScanCmd = &cli.Command{
	Name:      "measure-pandora-charge",
	Usage:     "sweep the monochromator in charge mode, persisting every sample",
	ArgsUsage: "<start-nm> <end-nm> <step-nm> <exptime-seconds> <nrepeats>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "discharge-first", Value: true},
	},
	Action: func(c *cli.Context) error {
		args := c.Args()
		if args.Len() < 5 {
			return fmt.Errorf("measure-pandora-charge requires <start-nm> <end-nm> <step-nm> <exptime-seconds> <nrepeats>")
		}
		start, _ := strconv.ParseFloat(args.Get(0), 64)
		end, _ := strconv.ParseFloat(args.Get(1), 64)
		step, _ := strconv.ParseFloat(args.Get(2), 64)
		exptime, _ := strconv.ParseFloat(args.Get(3), 64)
		nrepeats, _ := strconv.Atoi(args.Get(4))

		ctrl, err := openController(c)
		if err != nil {
			return err
		}
		defer ctrl.CloseAllConnections()
		summaries, err := ctrl.ChargeWavelengthScan(c.Context, start, end, step, exptime, nrepeats, c.Bool("discharge-first"))
		if err != nil {
			return err
		}
		fmt.Printf("%d sample rows committed\n", len(summaries))
		return nil
	},
}

var mountCmd = &cli.Command{
	Name:  "mount",
	Usage: "drive or query the Alt-Az telescope mount",
	Subcommands: []*cli.Command{
		{
			Name: "status",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				alt, az, status, err := ctrl.MountStatus(c.Context)
				if err != nil {
					return err
				}
				fmt.Printf("alt=%.4f az=%.4f status=%s\n", alt, az, status)
				return nil
			},
		},
		{
			Name:      "goto",
			ArgsUsage: "<alt-deg> <az-deg>",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "track"}},
			Action: func(c *cli.Context) error {
				alt, err := strconv.ParseFloat(c.Args().Get(0), 64)
				if err != nil {
					return err
				}
				az, err := strconv.ParseFloat(c.Args().Get(1), 64)
				if err != nil {
					return err
				}
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountGoto(c.Context, alt, az, c.Bool("track"))
			},
		},
		{
			Name: "home",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountHome(c.Context)
			},
		},
		{
			Name: "park",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountPark(c.Context)
			},
		},
		{
			Name: "unpark",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountUnpark(c.Context)
			},
		},
		{
			Name: "stop",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountStop(c.Context)
			},
		},
		{
			Name:      "set-park",
			ArgsUsage: "<alt-deg> <az-deg>",
			Action: func(c *cli.Context) error {
				alt, err := strconv.ParseFloat(c.Args().Get(0), 64)
				if err != nil {
					return err
				}
				az, err := strconv.ParseFloat(c.Args().Get(1), 64)
				if err != nil {
					return err
				}
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountSetPark(c.Context, alt, az)
			},
		},
		{
			Name: "get-position",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				alt, az, status, err := ctrl.MountStatus(c.Context)
				if err != nil {
					return err
				}
				if status == mount.StatusUnknown {
					fmt.Println("warning: mount reported an unrecognized status code")
				}
				fmt.Printf("alt=%.4f az=%.4f\n", alt, az)
				return nil
			},
		},
		{
			Name:      "set-alt-limit",
			ArgsUsage: "<limit-deg>",
			Action: func(c *cli.Context) error {
				limit, err := strconv.Atoi(c.Args().First())
				if err != nil {
					return err
				}
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				return ctrl.MountSetAltLimit(c.Context, limit)
			},
		},
		{
			Name: "get-alt-limit",
			Action: func(c *cli.Context) error {
				ctrl, err := openController(c)
				if err != nil {
					return err
				}
				defer ctrl.CloseAllConnections()
				limit, err := ctrl.MountGetAltLimit(c.Context)
				if err != nil {
					return err
				}
				fmt.Printf("%d deg\n", limit)
				return nil
			},
		},
	},
}

var devicesCmd = &cli.Command{
	Name:  "devices",
	Usage: "list every device the current configuration names",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "identify", Usage: "open every device and print its self-reported identity"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		if c.Bool("identify") {
			ctrl, err := controller.Open(c.Context, cfg, c.String("run-id"))
			if err != nil {
				return err
			}
			defer ctrl.CloseAllConnections()
			for name, info := range ctrl.IdentifyDevices(c.Context) {
				fmt.Printf("%s: %s\n", name, info)
			}
			return nil
		}
		fmt.Println("shutter:", cfg.LabJack.Shutter.Port)
		names := make([]string, 0, len(cfg.LabJack.FlipMounts))
		for name := range cfg.LabJack.FlipMounts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println("flip mount:", name)
		}
		elecNames := make([]string, 0, len(cfg.Electrometers))
		for name := range cfg.Electrometers {
			elecNames = append(elecNames, name)
		}
		sort.Strings(elecNames)
		for _, name := range elecNames {
			fmt.Println("electrometer:", name)
		}
		zaberNames := make([]string, 0, len(cfg.Zabers))
		for name := range cfg.Zabers {
			zaberNames = append(zaberNames, name)
		}
		sort.Strings(zaberNames)
		for _, name := range zaberNames {
			fmt.Println("zaber:", name)
		}
		fmt.Println("mount:", cfg.Mount.SerialPort)
		return nil
	},
}

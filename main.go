package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/photogrammetry"
)

var (
	logLevel   = "info"
	configPath = ""
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, photogrammetry.ErrNoPose):
		fmt.Fprintln(os.Stderr, "\nThe calibration file has no extrinsic pose.")
		fmt.Fprintln(os.Stderr, "Attach one with 'calibrate extrinsic --view <image>' first.")
	case errors.Is(err, photogrammetry.ErrInsufficientData):
		fmt.Fprintln(os.Stderr, "\nNot enough usable corners. Check the board size flags against the corner file.")
	case errors.Is(err, photogrammetry.ErrFormatMismatch):
		fmt.Fprintln(os.Stderr, "\nThe file content does not match its extension or the requested format.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "calibrate estimates camera intrinsics and poses from checkerboard corners",
		Long: `calibrate estimates a camera's intrinsic model and, optionally, its pose
relative to a checkerboard from corners found by an external detector.
Results are stored as HDF5, MAT or JSON calibration files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", "", "JSON run configuration file")

	cmd.AddCommand(
		NewIntrinsicCommand(),
		NewExtrinsicCommand(),
		NewTransformCommand(),
		NewConvertCommand(),
		NewShowCommand(),
		NewReportCommand(),
		NewVersionCommand(),
	)

	return cmd
}

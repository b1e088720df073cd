package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/calibfile"
	"sphaeroptica.be/calibrate/calibration"
)

func NewConvertCommand() *cobra.Command {
	var (
		inFormat  string
		outFormat string
	)

	cmd := &cobra.Command{
		Use:   "convert INPUT OUTPUT",
		Short: "Convert a calibration file between HDF5, MAT and JSON",
		Long: `Convert loads INPUT and writes it to OUTPUT. Formats come from the file
extensions unless --from or --to are set; --to all writes every format next
to OUTPUT.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			var from *calibfile.Format
			if inFormat != "" {
				f, err := calibfile.ParseFormat(inFormat)
				if err != nil {
					return err
				}
				from = &f
			}
			artifact, err := calibfile.Load(args[0], from)
			if err != nil {
				return err
			}
			paths, err := app.Save(args[1], artifact, outFormat)
			if err != nil {
				return err
			}
			printPaths(cmd.OutOrStdout(), "Saved", paths)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&inFormat, "from", "", "input format: hdf5, mat or json")
	flags.StringVar(&outFormat, "to", "", "output format: hdf5, mat, json or all")

	return cmd
}

// Reprojection error grades, in pixels.
const (
	goodRMS       = 0.5
	acceptableRMS = 1.0
)

func gradeRMS(rms float64) string {
	switch {
	case rms <= goodRMS:
		return color.GreenString("good")
	case rms <= acceptableRMS:
		return color.YellowString("acceptable")
	}
	return color.RedString("poor")
}

func NewShowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show CALIBRATION",
		Short: "Print a calibration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := calibfile.Load(args[0], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return calibfile.EncodeJSON(out, artifact)
			}
			fmt.Fprintln(out, artifact.Summary())
			printQuality(cmd, artifact)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the calibration in the JSON file layout")

	return cmd
}

func printQuality(cmd *cobra.Command, a *calibration.Artifact) {
	fmt.Fprintf(cmd.OutOrStdout(), "Quality: %s (%.4f px)\n", gradeRMS(a.ReprojectionError()), a.ReprojectionError())
}

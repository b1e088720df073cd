package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/calibfile"
	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
	"sphaeroptica.be/calibrate/report"
)

var gitCommit = "unknown"

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", calibration.SoftwareVersion, gitCommit)
		},
	}
}

func NewReportCommand() *cobra.Command {
	var (
		bf     boardFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "report CALIBRATION",
		Short: "Chart the reprojection errors of a calibration",
		Long: `Report solves the pose of every view of a corner file with the camera stored
in CALIBRATION and writes the per-view error chart and the residual scatter
as PNG files into --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			artifact, err := calibfile.Load(args[0], nil)
			if err != nil {
				return err
			}
			set, err := bf.load(cmd, app, artifact.Checkerboard(), artifact.ImageSize())
			if err != nil {
				return err
			}
			solved, err := app.SolvePoses(artifact, set)
			if err != nil {
				return err
			}

			// Views whose pose failed are left out of the charts.
			kept := &calibration.CorrespondenceSet{Board: set.Board, ImageSize: set.ImageSize}
			var poses []photogrammetry.Pose
			for i, vp := range solved {
				if vp.Err != nil {
					continue
				}
				kept.Views = append(kept.Views, set.Views[i])
				poses = append(poses, vp.Solution.Pose)
			}
			if len(poses) == 0 {
				return errors.Wrap(photogrammetry.ErrInsufficientData, "no view could be posed")
			}

			views, err := report.ComputeResiduals(kept, artifact.CameraMatrix(), artifact.Distortion(), poses)
			if err != nil {
				return err
			}
			paths, err := report.Generate(output, views)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Overall RMS over %d views: %.4f px\n", len(views), report.OverallRMS(views))
			printPaths(cmd.OutOrStdout(), "Wrote", paths)
			return nil
		},
	}

	bf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "report", "output directory")

	return cmd
}

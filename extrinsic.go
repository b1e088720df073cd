package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/calibfile"
	"sphaeroptica.be/calibrate/photogrammetry"
)

func NewExtrinsicCommand() *cobra.Command {
	var (
		bf        boardFlags
		algorithm string
		view      string
		output    string
		format    string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "extrinsic CALIBRATION",
		Short: "Estimate checkerboard poses with a calibrated camera",
		Long: `Extrinsic solves the pose of every view of a corner file with the camera
stored in CALIBRATION and prints them.

With --view the pose of that view is attached to the calibration and saved
to --output (CALIBRATION itself when --output is not set).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("algorithm") {
				app.cfg.Algorithm = algorithm
			}
			artifact, err := calibfile.Load(args[0], nil)
			if err != nil {
				return err
			}
			set, err := bf.load(cmd, app, artifact.Checkerboard(), artifact.ImageSize())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if view != "" {
				withPose, sol, err := app.AttachPose(artifact, set, view)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s pose, %.4f px over %d points (%d candidates)\n",
					view, sol.Algorithm, sol.Residual, sol.NumPoints, len(sol.Candidates))
				if output == "" {
					output = args[0]
				}
				paths, err := app.Save(output, withPose, format)
				if err != nil {
					return err
				}
				printPaths(out, "Saved", paths)
				return nil
			}

			poses, err := app.SolvePoses(artifact, set)
			if err != nil {
				return err
			}
			rows := make([]ViewPoseJSON, len(poses))
			for i, vp := range poses {
				rows[i] = ViewPoseJSON{Image: vp.ImageID, Algorithm: app.cfg.Algorithm}
				if vp.Err != nil {
					rows[i].Error = vp.Err.Error()
					continue
				}
				p := vp.Solution.Pose
				rows[i].Algorithm = vp.Solution.Algorithm.String()
				rows[i].RotationVector = coordinates(p.Rotation)
				rows[i].Translation = coordinates(p.Translation)
				rows[i].CameraPosition = coordinates(p.CameraPosition())
				rows[i].Residual = vp.Solution.Residual
				rows[i].Candidates = len(vp.Solution.Candidates)
			}
			if asJSON {
				return writeJSON(out, rows)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IMAGE\tRESIDUAL (px)\tRX (deg)\tRY (deg)\tRZ (deg)\tCAMERA POSITION (mm)")
			for _, r := range rows {
				if r.Error != "" {
					fmt.Fprintf(tw, "%s\tfailed: %s\t\t\t\t\n", r.Image, r.Error)
					continue
				}
				fmt.Fprintf(tw, "%s\t%.4f\t%+.2f\t%+.2f\t%+.2f\t(%.1f, %.1f, %.1f)\n", r.Image, r.Residual,
					photogrammetry.Rad2Degrees(r.RotationVector.X),
					photogrammetry.Rad2Degrees(r.RotationVector.Y),
					photogrammetry.Rad2Degrees(r.RotationVector.Z),
					r.CameraPosition.X, r.CameraPosition.Y, r.CameraPosition.Z)
			}
			return tw.Flush()
		},
	}

	bf.register(cmd)
	flags := cmd.Flags()
	flags.StringVarP(&algorithm, "algorithm", "a", "iterative", "pose algorithm: iterative, epnp, p3p, ap3p, ippe or ippe_square")
	flags.StringVar(&view, "view", "", "attach the pose of this image to the calibration")
	flags.StringVarP(&output, "output", "o", "", "output calibration file for --view")
	flags.StringVar(&format, "format", "", "output format: hdf5, mat, json or all")
	flags.BoolVar(&asJSON, "json", false, "print the poses as JSON")

	return cmd
}

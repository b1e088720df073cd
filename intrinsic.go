package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/photogrammetry"
)

func NewIntrinsicCommand() *cobra.Command {
	var (
		bf        boardFlags
		model     int
		fixPP     bool
		fixAspect bool
		zeroTan   bool
		maxIter   int
		tolerance float64
		workers   int
		guessFile string
		poseView  string
		notes     string
		output    string
		format    string
	)

	cmd := &cobra.Command{
		Use:     "intrinsic",
		Aliases: []string{"calibrate"},
		Short:   "Calibrate the camera intrinsics from a corner file",
		Long: `Calibrate estimates the camera matrix and distortion coefficients from the
checkerboard corners of at least two views, then saves the result.

With --pose-view the pose of that view is stored as the extrinsic pose.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			opts := &app.cfg.Calibration
			flags := cmd.Flags()
			if flags.Changed("model") {
				opts.DistortionModel = photogrammetry.DistortionModel(model)
			}
			if flags.Changed("fix-principal-point") {
				opts.FixPrincipalPoint = fixPP
			}
			if flags.Changed("fix-aspect-ratio") {
				opts.FixAspectRatio = fixAspect
			}
			if flags.Changed("zero-tangent") {
				opts.ZeroTangentDist = zeroTan
			}
			if flags.Changed("max-iter") {
				opts.MaxIterations = maxIter
			}
			if flags.Changed("tolerance") {
				opts.Tolerance = tolerance
			}
			if flags.Changed("workers") {
				opts.Workers = workers
			}
			if flags.Changed("notes") {
				app.cfg.Notes = notes
			}

			set, err := bf.load(cmd, app, nil, photogrammetry.ImageSize{})
			if err != nil {
				return err
			}
			res, err := app.Calibrate(set, guessFile)
			if err != nil {
				return err
			}
			artifact := res.Artifact
			if poseView != "" {
				found := false
				for i, v := range set.Views {
					if v.ImageID == poseView {
						artifact = artifact.WithPose(res.ViewPoses[i])
						found = true
						break
					}
				}
				if !found {
					logrus.WithField("view", poseView).Warn("Pose view not in the calibration set, saving intrinsics only")
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), artifact.Summary())
			printQuality(cmd, artifact)
			paths, err := app.Save(output, artifact, format)
			if err != nil {
				return err
			}
			printPaths(cmd.OutOrStdout(), "Saved", paths)
			return nil
		},
	}

	bf.register(cmd)
	flags := cmd.Flags()
	flags.IntVar(&model, "model", 5, "distortion coefficients to estimate (4, 5, 8 or 12)")
	flags.BoolVar(&fixPP, "fix-principal-point", false, "keep the principal point at the image centre")
	flags.BoolVar(&fixAspect, "fix-aspect-ratio", false, "estimate a single focal length")
	flags.BoolVar(&zeroTan, "zero-tangent", false, "force p1 and p2 to zero")
	flags.IntVar(&maxIter, "max-iter", 100, "refinement iteration budget")
	flags.Float64Var(&tolerance, "tolerance", 1e-10, "relative cost decrease that stops the refinement")
	flags.IntVar(&workers, "workers", 0, "views evaluated concurrently (0 uses every CPU)")
	flags.StringVar(&guessFile, "guess", "", "OpenCV XML intrinsics used as the initial estimate")
	flags.StringVar(&poseView, "pose-view", "", "image whose pose is stored as the extrinsic pose")
	flags.StringVar(&notes, "notes", "", "free text stored with the calibration")
	flags.StringVarP(&output, "output", "o", "", "output calibration file")
	flags.StringVar(&format, "format", "", "output format: hdf5, mat, json or all (default from the extension)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

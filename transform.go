package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/photogrammetry"
)

type transformOutput struct {
	Pixel       *Pos         `json:"pixel,omitempty"`
	Undistorted *Pos         `json:"undistorted,omitempty"`
	World       *Coordinates `json:"world,omitempty"`
}

func NewTransformCommand() *cobra.Command {
	var (
		pixel     string
		world     string
		undistort string
		zWorld    float64
	)

	cmd := &cobra.Command{
		Use:   "transform CALIBRATION",
		Short: "Convert between pixel and board coordinates",
		Long: `Transform converts one point with the camera stored in CALIBRATION.

  --pixel x,y      intersect the pixel's ray with the board plane z = --z
  --world x,y,z    project a board point to a pixel
  --undistort x,y  remove the lens distortion from a pixel

--pixel and --world need a calibration with an extrinsic pose.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			var out transformOutput
			switch {
			case pixel != "":
				v, err := parseFloats(pixel, 2)
				if err != nil {
					return err
				}
				pos := Pos{X: v[0], Y: v[1]}
				w, err := app.PixelToWorld(args[0], pos, zWorld)
				if err != nil {
					return err
				}
				out.Pixel, out.World = &pos, &w
			case world != "":
				v, err := parseFloats(world, 3)
				if err != nil {
					return err
				}
				w := Coordinates{X: v[0], Y: v[1], Z: v[2]}
				pos, err := app.Reproject(args[0], w)
				if err != nil {
					return err
				}
				out.Pixel, out.World = &pos, &w
			case undistort != "":
				v, err := parseFloats(undistort, 2)
				if err != nil {
					return err
				}
				pos := Pos{X: v[0], Y: v[1]}
				u, err := app.Undistort(args[0], pos)
				if err != nil {
					return err
				}
				out.Pixel, out.Undistorted = &pos, &u
			default:
				return errors.Wrap(photogrammetry.ErrInvalidParameter, "one of --pixel, --world or --undistort is required")
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&pixel, "pixel", "", "pixel to map onto the board plane, as x,y")
	flags.StringVar(&world, "world", "", "board point to project, as x,y,z in millimetres")
	flags.StringVar(&undistort, "undistort", "", "pixel to undistort, as x,y")
	flags.Float64Var(&zWorld, "z", 0, "height of the plane hit by --pixel")
	cmd.MarkFlagsMutuallyExclusive("pixel", "world", "undistort")

	return cmd
}

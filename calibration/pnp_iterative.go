package calibration

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// iterativeStrategy seeds from a homography decomposition when the board is
// planar, from EPnP otherwise, then refines by Levenberg-Marquardt.
type iterativeStrategy struct{}

func (iterativeStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 4); err != nil {
		return err
	}
	return requireNonCollinear(in.world)
}

func (iterativeStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	seed, err := iterativeSeed(in)
	if err != nil {
		return nil, err
	}
	pose, err := polishPose(seed, in.world, in.pixels, in.k, in.d)
	if err != nil {
		return nil, err
	}
	return []photogrammetry.Pose{pose}, nil
}

func iterativeSeed(in pnpInput) (photogrammetry.Pose, error) {
	s := spread3(in.world)
	if !s.planar() {
		poses, err := epnpSolve(in.world, in.image)
		if err != nil {
			return photogrammetry.Pose{}, err
		}
		return poses[0], nil
	}
	frame := newPlaneFrame(s)
	local := make([]r2.Point, len(in.world))
	for i, w := range in.world {
		local[i] = frame.local(w)
	}
	Rl, tl, err := planarHomographyPose(local, in.image)
	if err != nil {
		return photogrammetry.Pose{}, errors.Wrap(err, "planar seed")
	}
	return frame.toWorld(Rl, tl), nil
}

package imports

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

var logger = logrus.WithField("component", "imports")

// ImageCorners holds the detector output for one image, in file order.
type ImageCorners struct {
	ImageID      string
	Observations []calibration.Observation
}

// ReadCorners parses tab separated detector output. Lines starting with '#'
// are comments and an optional header row is skipped.
//
// header = {"image", "pixelX", "pixelY", "row", "col", "valid"}
//
// The valid column may be omitted, in which case the corner is kept.
func ReadCorners(r io.Reader) ([]ImageCorners, error) {
	csvReader := csv.NewReader(r)
	csvReader.Comma = '\t'
	csvReader.Comment = '#'
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	index := make(map[string]int)
	var images []ImageCorners
	for line := 1; ; line++ {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read corners")
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "image") {
			continue
		}
		obs, err := parseCorner(record)
		if err != nil {
			row, _ := csvReader.FieldPos(0)
			return nil, errors.Wrapf(err, "corners line %d", row)
		}
		id := strings.TrimSpace(record[0])
		i, ok := index[id]
		if !ok {
			i = len(images)
			index[id] = i
			images = append(images, ImageCorners{ImageID: id})
		}
		images[i].Observations = append(images[i].Observations, obs)
	}
	return images, nil
}

func parseCorner(record []string) (calibration.Observation, error) {
	if len(record) != 5 && len(record) != 6 {
		return calibration.Observation{}, errors.Wrapf(photogrammetry.ErrInvalidParameter, "%d columns, want 5 or 6", len(record))
	}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return calibration.Observation{}, errors.Wrapf(photogrammetry.ErrInvalidParameter, "column %d: %v", i+2, err)
		}
		vals[i] = v
	}
	valid := true
	if len(record) == 6 {
		v, err := strconv.ParseBool(strings.TrimSpace(record[5]))
		if err != nil {
			return calibration.Observation{}, errors.Wrapf(photogrammetry.ErrInvalidParameter, "valid column: %v", err)
		}
		valid = v
	}
	row, col := int(vals[2]), int(vals[3])
	if float64(row) != vals[2] || float64(col) != vals[3] {
		return calibration.Observation{}, errors.Wrapf(photogrammetry.ErrInvalidParameter, "board index (%g,%g) is not an integer", vals[2], vals[3])
	}
	return calibration.Observation{
		Pixel: r2.Point{X: vals[0], Y: vals[1]},
		Row:   row,
		Col:   col,
		Valid: valid,
	}, nil
}

func ReadCornersFile(file string) ([]ImageCorners, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCorners(f)
}

// BuildCorrespondenceSet adds every image to a new set. Images with fewer
// than 4 valid corners are skipped and returned by ID; any other rejection
// fails the whole set.
func BuildCorrespondenceSet(board calibration.Checkerboard, size photogrammetry.ImageSize, images []ImageCorners) (*calibration.CorrespondenceSet, []string, error) {
	set, err := calibration.NewCorrespondenceSet(board, size)
	if err != nil {
		return nil, nil, err
	}
	var skipped []string
	for _, img := range images {
		err := set.AddView(img.ImageID, img.Observations)
		switch {
		case err == nil:
		case errors.Is(err, photogrammetry.ErrInsufficientPoints):
			logger.WithField("image", img.ImageID).Warn("Skipping image with too few corners")
			skipped = append(skipped, img.ImageID)
		default:
			return nil, nil, err
		}
	}
	logger.WithFields(logrus.Fields{"views": len(set.Views), "skipped": len(skipped)}).Debug("Built correspondence set")
	return set, skipped, nil
}

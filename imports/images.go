package imports

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/bimg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sphaeroptica.be/calibrate/photogrammetry"
)

var ACCEPTABLE_IMAGES_EXT = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// ReadChildImages maps the stem of every image in dir to its file name.
// Stems are the image IDs used by the corner files.
func ReadChildImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	toRet := make(map[string]string)
	for _, v := range entries {
		if v.IsDir() {
			continue
		}
		ext := filepath.Ext(v.Name())
		if ACCEPTABLE_IMAGES_EXT[strings.ToLower(ext)] {
			toRet[strings.TrimSuffix(v.Name(), ext)] = v.Name()
		}
	}
	return toRet, nil
}

// ImageSize reads the pixel dimensions of one image.
func ImageSize(path string) (photogrammetry.ImageSize, error) {
	buffer, err := bimg.Read(path)
	if err != nil {
		return photogrammetry.ImageSize{}, err
	}
	size, err := bimg.NewImage(buffer).Size()
	if err != nil {
		return photogrammetry.ImageSize{}, errors.Wrapf(err, "size of %s", path)
	}
	return photogrammetry.ImageSize{Width: size.Width, Height: size.Height}, nil
}

// ProbeImageSize returns the size shared by the images named in ids. Every
// image of one calibration must come from the same sensor mode, so
// differing sizes are an error. IDs with no file in dir are ignored.
func ProbeImageSize(dir string, ids []string) (photogrammetry.ImageSize, error) {
	images, err := ReadChildImages(dir)
	if err != nil {
		return photogrammetry.ImageSize{}, err
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var size photogrammetry.ImageSize
	var first string
	for _, id := range sorted {
		name, ok := images[id]
		if !ok {
			logger.WithField("image", id).Debug("No image file for view")
			continue
		}
		s, err := ImageSize(filepath.Join(dir, name))
		if err != nil {
			return photogrammetry.ImageSize{}, err
		}
		if first == "" {
			size, first = s, name
			continue
		}
		if s != size {
			return photogrammetry.ImageSize{}, errors.Wrapf(photogrammetry.ErrInvalidParameter,
				"%s is %dx%d but %s is %dx%d", name, s.Width, s.Height, first, size.Width, size.Height)
		}
	}
	if first == "" {
		return photogrammetry.ImageSize{}, errors.Wrapf(photogrammetry.ErrInsufficientData, "no image of %d views found in %s", len(ids), dir)
	}
	logger.WithFields(logrus.Fields{"width": size.Width, "height": size.Height}).Debug("Probed image size")
	return size, nil
}

package calibfile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

type Format int

const (
	HDF5 Format = iota + 1
	MAT
	JSON
)

// Formats lists every supported format in save order.
func Formats() []Format {
	return []Format{HDF5, MAT, JSON}
}

func (f Format) String() string {
	switch f {
	case HDF5:
		return "hdf5"
	case MAT:
		return "mat"
	case JSON:
		return "json"
	}
	return "unknown"
}

// Extension is the canonical file extension, dot included.
func (f Format) Extension() string {
	switch f {
	case HDF5:
		return ".h5"
	case MAT:
		return ".mat"
	case JSON:
		return ".json"
	}
	return ""
}

// ParseFormat accepts a format name or an extension with or without dot.
func ParseFormat(name string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".") {
	case "h5", "hdf5":
		return HDF5, nil
	case "mat":
		return MAT, nil
	case "json":
		return JSON, nil
	}
	return 0, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown calibration format %q", name)
}

// FormatFromExtension maps .h5, .hdf5, .mat and .json (any case).
func FormatFromExtension(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return 0, errors.Wrapf(photogrammetry.ErrInvalidParameter, "%s has no extension", path)
	}
	return ParseFormat(ext)
}

var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

// sniff identifies a format from the start of a file. HDF5 superblocks may
// sit at 0, 512, 1024 or 2048.
func sniff(r io.ReaderAt) (Format, bool) {
	head := make([]byte, 2048+len(hdf5Signature))
	n, _ := r.ReadAt(head, 0)
	head = head[:n]

	for _, off := range []int{0, 512, 1024, 2048} {
		if len(head) >= off+len(hdf5Signature) && bytes.Equal(head[off:off+len(hdf5Signature)], hdf5Signature) {
			return HDF5, true
		}
	}
	if len(head) >= matHeaderLen && bytes.HasPrefix(head, []byte("MATLAB 5.0")) {
		return MAT, true
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return JSON, true
	}
	return 0, false
}

// Detect identifies the format of the file at path from its content.
func Detect(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	format, ok := sniff(file)
	if !ok {
		return 0, errors.Wrapf(photogrammetry.ErrFormatMismatch, "cannot detect the format of %s", path)
	}
	return format, nil
}

// Encode writes a to w. HDF5 needs a file and is rejected here.
func Encode(w io.Writer, a *calibration.Artifact, format Format) error {
	switch format {
	case JSON:
		return EncodeJSON(w, a)
	case MAT:
		return EncodeMAT(w, a, true)
	case HDF5:
		return errors.Wrap(photogrammetry.ErrInvalidParameter, "HDF5 can only be written to a file")
	}
	return errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown format %d", format)
}

func Decode(r io.Reader, format Format) (*calibration.Artifact, error) {
	switch format {
	case JSON:
		return DecodeJSON(r)
	case MAT:
		return DecodeMAT(r)
	case HDF5:
		return nil, errors.Wrap(photogrammetry.ErrInvalidParameter, "HDF5 can only be read from a file")
	}
	return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown format %d", format)
}

// Save writes a to path and returns the path actually written. Without an
// explicit format the extension decides, falling back to HDF5 with .h5
// appended; a path whose extension disagrees with the format gets the
// format's extension.
func Save(path string, a *calibration.Artifact, format *Format) (string, error) {
	if a == nil {
		return "", errors.Wrap(photogrammetry.ErrInvalidParameter, "no artifact to save")
	}
	extFormat, extErr := FormatFromExtension(path)
	var f Format
	switch {
	case format != nil:
		f = *format
		if extErr != nil || extFormat != f {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + f.Extension()
		}
	case extErr == nil:
		f = extFormat
	default:
		f = HDF5
		path += HDF5.Extension()
	}
	if f.Extension() == "" {
		return "", errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown format %d", f)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	var err error
	if f == HDF5 {
		err = saveHDF5(path, a)
	} else {
		err = saveStream(path, a, f)
	}
	if err != nil {
		return "", errors.Wrapf(err, "save %s", path)
	}
	logger.WithFields(logrus.Fields{"path": path, "format": f.String()}).Info("Saved calibration")
	return path, nil
}

func saveStream(path string, a *calibration.Artifact, f Format) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	return Encode(file, a, f)
}

// Load reads the artifact at path. The format comes from the override, the
// extension, or the content, in that order. Content that identifies as a
// different format than the one requested is ErrFormatMismatch.
func Load(path string, format *Format) (*calibration.Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	content, known := sniff(file)
	var f Format
	switch {
	case format != nil:
		f = *format
	default:
		if f, err = FormatFromExtension(path); err != nil {
			if !known {
				return nil, errors.Wrapf(photogrammetry.ErrFormatMismatch, "cannot detect the format of %s", path)
			}
			f = content
		}
	}
	if known && content != f {
		return nil, errors.Wrapf(photogrammetry.ErrFormatMismatch, "%s holds %s data, not %s", path, content, f)
	}

	var a *calibration.Artifact
	switch f {
	case HDF5:
		a, err = loadHDF5(path)
	case JSON, MAT:
		a, err = Decode(file, f)
	default:
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown format %d", f)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	logger.WithFields(logrus.Fields{"path": path, "format": f.String()}).Info("Loaded calibration")
	return a, nil
}

// SaveAll writes a next to basePath in every format, replacing any
// extension basePath carries.
func SaveAll(basePath string, a *calibration.Artifact) (map[Format]string, error) {
	base := basePath
	if _, err := FormatFromExtension(basePath); err == nil {
		base = strings.TrimSuffix(basePath, filepath.Ext(basePath))
	}
	out := make(map[Format]string, len(Formats()))
	for _, f := range Formats() {
		p, err := Save(base+f.Extension(), a, &f)
		if err != nil {
			return out, err
		}
		out[f] = p
	}
	return out, nil
}

package calibfile

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pkg/errors"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// MAT level 5 data types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
	miUTF16      = 17
	miUTF32      = 18
)

// MAT array classes.
const (
	mxCHAR_CLASS   = 4
	mxDOUBLE_CLASS = 6
	mxUINT64_CLASS = 15
)

const (
	matHeaderLen  = 128
	matHeaderText = "MATLAB 5.0 MAT-file"
	// upper bound on a single element, to fail early on corrupt lengths
	matMaxElement = 64 << 20
)

// matVar is one decoded variable: numeric data in column-major order, or
// text for char arrays.
type matVar struct {
	class int
	dims  []int
	data  []float64
	text  string
}

func (v matVar) numel() int {
	n := 1
	for _, d := range v.dims {
		n *= d
	}
	return n
}

// EncodeMAT writes the artifact as a MAT level 5 file. With compress every
// variable is stored in its own zlib stream.
func EncodeMAT(w io.Writer, a *calibration.Artifact, compress bool) error {
	f := a.Fields()
	enc := &matEncoder{w: w, compress: compress, order: binary.LittleEndian}
	if err := enc.header(); err != nil {
		return err
	}

	k := rows3(cameraMatrixRows(f.CameraMatrix))
	enc.matrix(fieldCameraMatrix, 3, 3, columnMajor(k))
	enc.matrix(fieldDistortion, 1, len(f.Distortion), f.Distortion)
	enc.matrix(fieldImageSize, 1, 2, []float64{float64(f.ImageSize.Width), float64(f.ImageSize.Height)})
	enc.matrix(fieldReprojectionError, 1, 1, []float64{f.ReprojectionError})
	enc.matrix(fieldNumImagesUsed, 1, 1, []float64{float64(f.NumImagesUsed)})
	enc.char(fieldTimestamp, formatTimestamp(f.Timestamp))
	enc.char(fieldSoftwareVersion, f.SoftwareVersion)
	enc.char(fieldFormatVersion, FormatVersion)
	enc.char(fieldFormatType, FormatType)

	if p := f.Pose; p != nil {
		enc.matrix(fieldRotationVector, 3, 1, []float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z})
		enc.matrix(fieldTranslationVector, 3, 1, []float64{p.Translation.X, p.Translation.Y, p.Translation.Z})
		enc.matrix(fieldRotationMatrix, 3, 3, columnMajor(rows3(rotationMatrixRows(*p))))
	}
	if b := f.Checkerboard; b != nil {
		enc.matrix("checkerboard_size", 1, 2, []float64{float64(b.Cols), float64(b.Rows)})
		enc.matrix(fieldSquareSize, 1, 1, []float64{b.SquareSize})
	}
	if f.PerViewErrors != nil {
		enc.matrix(fieldPerImageErrors, 1, len(f.PerViewErrors), f.PerViewErrors)
	}
	if f.Notes != "" {
		enc.char(fieldNotes, f.Notes)
	}
	if f.RunID != "" {
		enc.char(fieldRunID, f.RunID)
	}
	return enc.err
}

func columnMajor(rows [][]float64) []float64 {
	out := make([]float64, 0, len(rows)*len(rows[0]))
	for c := range rows[0] {
		for r := range rows {
			out = append(out, rows[r][c])
		}
	}
	return out
}

type matEncoder struct {
	w        io.Writer
	compress bool
	order    binary.ByteOrder
	err      error
}

func (e *matEncoder) header() error {
	text := fmt.Sprintf("%s, Platform: GLNXA64, Created on: %s", matHeaderText, time.Now().UTC().Format(time.ANSIC))
	hdr := make([]byte, matHeaderLen)
	copy(hdr[:116], text+strings.Repeat(" ", 116))
	e.order.PutUint16(hdr[124:], 0x0100)
	e.order.PutUint16(hdr[126:], 'M'<<8|'I')
	_, err := e.w.Write(hdr)
	return err
}

func padding(n int) int {
	return (8 - n%8) % 8
}

// element appends a tagged, padded data element to buf.
func (e *matEncoder) element(buf *bytes.Buffer, typ uint32, data []byte) {
	var tag [8]byte
	e.order.PutUint32(tag[0:], typ)
	e.order.PutUint32(tag[4:], uint32(len(data)))
	buf.Write(tag[:])
	buf.Write(data)
	buf.Write(make([]byte, padding(len(data))))
}

func (e *matEncoder) arrayHeader(buf *bytes.Buffer, class int, name string, dims ...int) {
	flags := make([]byte, 8)
	e.order.PutUint32(flags, uint32(class))
	e.element(buf, miUINT32, flags)

	d := make([]byte, 4*len(dims))
	for i, n := range dims {
		e.order.PutUint32(d[4*i:], uint32(int32(n)))
	}
	e.element(buf, miINT32, d)
	e.element(buf, miINT8, []byte(name))
}

func (e *matEncoder) matrix(name string, rows, cols int, data []float64) {
	var body bytes.Buffer
	e.arrayHeader(&body, mxDOUBLE_CLASS, name, rows, cols)
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		e.order.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	e.element(&body, miDOUBLE, raw)
	e.write(body.Bytes())
}

func (e *matEncoder) char(name, s string) {
	units := utf16.Encode([]rune(s))
	var body bytes.Buffer
	if len(units) == 0 {
		e.arrayHeader(&body, mxCHAR_CLASS, name, 0, 0)
	} else {
		e.arrayHeader(&body, mxCHAR_CLASS, name, 1, len(units))
	}
	raw := make([]byte, 2*len(units))
	for i, u := range units {
		e.order.PutUint16(raw[2*i:], u)
	}
	e.element(&body, miUINT16, raw)
	e.write(body.Bytes())
}

// write emits one miMATRIX element, wrapped in miCOMPRESSED when asked.
func (e *matEncoder) write(matrix []byte) {
	if e.err != nil {
		return
	}
	var out bytes.Buffer
	e.element(&out, miMATRIX, matrix)
	if e.compress {
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		if _, err := zw.Write(out.Bytes()); err != nil {
			e.err = err
			return
		}
		if err := zw.Close(); err != nil {
			e.err = err
			return
		}
		// compressed elements carry no padding
		var tag [8]byte
		e.order.PutUint32(tag[0:], miCOMPRESSED)
		e.order.PutUint32(tag[4:], uint32(z.Len()))
		out.Reset()
		out.Write(tag[:])
		out.Write(z.Bytes())
	}
	_, e.err = e.w.Write(out.Bytes())
}

// DecodeMAT reads a MAT level 5 file written by this package, MATLAB, Octave
// or scipy. camera_matrix and distortion_coeffs are mandatory.
func DecodeMAT(r io.Reader) (*calibration.Artifact, error) {
	vars, err := readMATVars(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	return matArtifact(vars)
}

func readMATVars(r io.Reader) (map[string]matVar, error) {
	hdr := make([]byte, matHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, schemaError("MAT header: %v", err)
	}
	if !bytes.HasPrefix(hdr, []byte("MATLAB 5.0")) {
		return nil, schemaError("not a MAT level 5 file")
	}
	var order binary.ByteOrder
	switch string(hdr[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, schemaError("bad MAT endian indicator %q", hdr[126:128])
	}

	d := &matDecoder{order: order}
	vars := make(map[string]matVar)
	for {
		typ, data, err := d.element(r, true)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := d.collect(vars, typ, data); err != nil {
			return nil, err
		}
	}
	return vars, nil
}

type matDecoder struct {
	order binary.ByteOrder
}

// element reads one tagged element. Top level elements are padded to 8
// bytes except compressed ones; small elements pack 4 bytes into the tag.
func (d *matDecoder) element(r io.Reader, top bool) (uint32, []byte, error) {
	var tag [8]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, schemaError("truncated MAT element tag: %v", err)
	}
	first := d.order.Uint32(tag[0:])
	if small := first >> 16; small != 0 {
		n := int(small)
		if n > 4 {
			return 0, nil, schemaError("small MAT element of %d bytes", n)
		}
		return first & 0xffff, append([]byte(nil), tag[4:4+n]...), nil
	}
	n := int(d.order.Uint32(tag[4:]))
	if n < 0 || n > matMaxElement {
		return 0, nil, schemaError("MAT element of %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, schemaError("truncated MAT element: %v", err)
	}
	if pad := padding(n); pad > 0 && !(top && first == miCOMPRESSED) {
		if _, err := io.ReadFull(r, make([]byte, pad)); err != nil && !(top && err == io.EOF) {
			return 0, nil, schemaError("truncated MAT padding: %v", err)
		}
	}
	return first, data, nil
}

func (d *matDecoder) collect(vars map[string]matVar, typ uint32, data []byte) error {
	switch typ {
	case miCOMPRESSED:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return schemaError("MAT compressed element: %v", err)
		}
		defer zr.Close()
		inner, err := io.ReadAll(io.LimitReader(zr, matMaxElement))
		if err != nil {
			return schemaError("MAT compressed element: %v", err)
		}
		ir := bytes.NewReader(inner)
		for ir.Len() > 0 {
			t, b, err := d.element(ir, false)
			if err != nil {
				return err
			}
			if err := d.collect(vars, t, b); err != nil {
				return err
			}
		}
		return nil
	case miMATRIX:
		name, v, ok, err := d.matrix(data)
		if err != nil {
			return err
		}
		if ok {
			vars[name] = v
		}
		return nil
	default:
		return nil
	}
}

// matrix decodes an miMATRIX body. Classes other than numeric and char are
// skipped.
func (d *matDecoder) matrix(body []byte) (string, matVar, bool, error) {
	r := bytes.NewReader(body)
	if r.Len() == 0 {
		return "", matVar{}, false, nil
	}
	_, flags, err := d.element(r, false)
	if err != nil {
		return "", matVar{}, false, err
	}
	if len(flags) < 4 {
		return "", matVar{}, false, schemaError("short MAT array flags")
	}
	v := matVar{class: int(d.order.Uint32(flags) & 0xff)}

	dtyp, dims, err := d.element(r, false)
	if err != nil {
		return "", v, false, err
	}
	if dtyp != miINT32 || len(dims)%4 != 0 {
		return "", v, false, schemaError("bad MAT dimensions")
	}
	for i := 0; i < len(dims); i += 4 {
		n := int(int32(d.order.Uint32(dims[i:])))
		if n < 0 {
			return "", v, false, schemaError("negative MAT dimension")
		}
		v.dims = append(v.dims, n)
	}

	_, nameBytes, err := d.element(r, false)
	if err != nil {
		return "", v, false, err
	}
	name := string(nameBytes)

	if v.class != mxCHAR_CLASS && (v.class < mxDOUBLE_CLASS || v.class > mxUINT64_CLASS) {
		return name, v, false, nil
	}
	if r.Len() == 0 {
		return name, v, true, nil
	}
	typ, raw, err := d.element(r, false)
	if err != nil {
		return "", v, false, err
	}
	if v.class == mxCHAR_CLASS {
		text, err := d.text(typ, raw)
		if err != nil {
			return "", v, false, errors.Wrapf(err, "variable %q", name)
		}
		v.text = text
		return name, v, true, nil
	}
	v.data, err = d.numbers(typ, raw)
	if err != nil {
		return "", v, false, errors.Wrapf(err, "variable %q", name)
	}
	if len(v.data) != v.numel() {
		return "", v, false, schemaError("variable %q has %d values for dims %v", name, len(v.data), v.dims)
	}
	return name, v, true, nil
}

func (d *matDecoder) numbers(typ uint32, raw []byte) ([]float64, error) {
	size := map[uint32]int{
		miINT8: 1, miUINT8: 1, miINT16: 2, miUINT16: 2, miINT32: 4, miUINT32: 4,
		miSINGLE: 4, miDOUBLE: 8, miINT64: 8, miUINT64: 8,
	}[typ]
	if size == 0 {
		return nil, schemaError("unsupported MAT numeric type %d", typ)
	}
	if len(raw)%size != 0 {
		return nil, schemaError("MAT data of %d bytes is not a multiple of %d", len(raw), size)
	}
	out := make([]float64, len(raw)/size)
	for i := range out {
		b := raw[i*size:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(b[0]))
		case miUINT8:
			out[i] = float64(b[0])
		case miINT16:
			out[i] = float64(int16(d.order.Uint16(b)))
		case miUINT16:
			out[i] = float64(d.order.Uint16(b))
		case miINT32:
			out[i] = float64(int32(d.order.Uint32(b)))
		case miUINT32:
			out[i] = float64(d.order.Uint32(b))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(d.order.Uint32(b)))
		case miDOUBLE:
			out[i] = math.Float64frombits(d.order.Uint64(b))
		case miINT64:
			out[i] = float64(int64(d.order.Uint64(b)))
		case miUINT64:
			out[i] = float64(d.order.Uint64(b))
		}
	}
	return out, nil
}

func (d *matDecoder) text(typ uint32, raw []byte) (string, error) {
	switch typ {
	case miINT8, miUINT8, miUTF8:
		if !utf8.Valid(raw) {
			return "", schemaError("char data is not UTF-8")
		}
		return string(raw), nil
	case miUINT16, miUTF16:
		units := make([]uint16, len(raw)/2)
		for i := range units {
			units[i] = d.order.Uint16(raw[2*i:])
		}
		return string(utf16.Decode(units)), nil
	case miUTF32, miINT32, miUINT32:
		runes := make([]rune, len(raw)/4)
		for i := range runes {
			runes[i] = rune(d.order.Uint32(raw[4*i:]))
		}
		return string(runes), nil
	default:
		return "", schemaError("unsupported MAT char type %d", typ)
	}
}

func matArtifact(vars map[string]matVar) (*calibration.Artifact, error) {
	num := func(name string) ([]float64, bool, error) {
		v, ok := vars[name]
		if !ok {
			return nil, false, nil
		}
		if v.class == mxCHAR_CLASS {
			return nil, false, schemaError("%s is text, want numbers", name)
		}
		return v.data, true, nil
	}
	scalar := func(name string) (float64, bool, error) {
		v, ok, err := num(name)
		if err != nil || !ok {
			return 0, ok, err
		}
		if len(v) != 1 {
			return 0, false, schemaError("%s has %d values, want 1", name, len(v))
		}
		return v[0], true, nil
	}
	text := func(name string) string {
		return vars[name].text
	}

	kv, ok, err := num(fieldCameraMatrix)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schemaError("missing %s", fieldCameraMatrix)
	}
	if v := vars[fieldCameraMatrix]; len(v.dims) != 2 || v.dims[0] != 3 || v.dims[1] != 3 {
		return nil, schemaError("%s has dims %v, want 3x3", fieldCameraMatrix, v.dims)
	}
	// stored column-major
	rowsK := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rowsK[3*r+c] = kv[3*c+r]
		}
	}
	k, err := cameraMatrixFromRows(rowsK)
	if err != nil {
		return nil, err
	}
	dist, ok, err := num(fieldDistortion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schemaError("missing %s", fieldDistortion)
	}

	f := calibration.ArtifactFields{
		CameraMatrix:    k,
		Distortion:      photogrammetry.Distortion(dist),
		Timestamp:       parseTimestamp(text(fieldTimestamp)),
		SoftwareVersion: text(fieldSoftwareVersion),
		Notes:           text(fieldNotes),
		RunID:           text(fieldRunID),
	}
	if size, ok, err := num(fieldImageSize); err != nil {
		return nil, err
	} else if ok {
		if len(size) != 2 {
			return nil, schemaError("%s has %d values, want 2", fieldImageSize, len(size))
		}
		f.ImageSize = photogrammetry.ImageSize{Width: toInt(size[0]), Height: toInt(size[1])}
	}
	if e, ok, err := scalar(fieldReprojectionError); err != nil {
		return nil, err
	} else if ok {
		f.ReprojectionError = e
	}
	if n, ok, err := scalar(fieldNumImagesUsed); err != nil {
		return nil, err
	} else if ok {
		f.NumImagesUsed = toInt(n)
	}

	rv, okR, err := num(fieldRotationVector)
	if err != nil {
		return nil, err
	}
	tv, okT, err := num(fieldTranslationVector)
	if err != nil {
		return nil, err
	}
	if okR && okT {
		if f.Pose, err = poseFromVectors(rv, tv); err != nil {
			return nil, err
		}
	}

	if cb, ok, err := num("checkerboard_size"); err != nil {
		return nil, err
	} else if ok {
		if len(cb) != 2 {
			return nil, schemaError("checkerboard_size has %d values, want 2", len(cb))
		}
		board := calibration.Checkerboard{Cols: toInt(cb[0]), Rows: toInt(cb[1])}
		if s, ok, err := scalar(fieldSquareSize); err != nil {
			return nil, err
		} else if ok {
			board.SquareSize = s
		}
		f.Checkerboard = &board
	}
	if errs, ok, err := num(fieldPerImageErrors); err != nil {
		return nil, err
	} else if ok {
		f.PerViewErrors = append([]float64{}, errs...)
	}
	return buildArtifact(f)
}

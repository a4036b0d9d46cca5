package data

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// IDX magic numbers: unsigned byte data with 3 (images) or 1 (labels) dims.
const (
	ImageMagic = 0x00000803
	LabelMagic = 0x00000801
)

// MaxIDXSide bounds the rows and columns an image header may declare.
const MaxIDXSide = 4096

// ErrFormat reports a malformed IDX file.
var ErrFormat = errors.New("idx: invalid format")

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// IDXImages is the content of an IDX image file.
type IDXImages struct {
	N, Rows, Cols int
	Pixels        []uint8 // N·Rows·Cols, row-major per image
}

// ReadIDXImages parses an uncompressed IDX3 image stream.
func ReadIDXImages(r io.Reader) (*IDXImages, error) {
	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading image header")
	}
	if header.Magic != ImageMagic {
		return nil, errors.Wrapf(ErrFormat, "image magic 0x%08x, want 0x%08x", header.Magic, ImageMagic)
	}
	if header.NumImages < 0 || header.Height <= 0 || header.Width <= 0 ||
		header.Height > MaxIDXSide || header.Width > MaxIDXSide {
		return nil, errors.Wrapf(ErrFormat, "image header %+v", header)
	}

	img := &IDXImages{N: int(header.NumImages), Rows: int(header.Height), Cols: int(header.Width)}
	pixels, err := readBody(r, int64(img.N)*int64(img.Rows)*int64(img.Cols))
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "truncated image data: %v", err)
	}
	img.Pixels = pixels
	return img, nil
}

// ReadIDXLabels parses an uncompressed IDX1 label stream.
func ReadIDXLabels(r io.Reader) ([]uint8, error) {
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading label header")
	}
	if header.Magic != LabelMagic {
		return nil, errors.Wrapf(ErrFormat, "label magic 0x%08x, want 0x%08x", header.Magic, LabelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Wrapf(ErrFormat, "label count %d", header.NumLabels)
	}
	labels, err := readBody(r, int64(header.NumLabels))
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "truncated label data: %v", err)
	}
	return labels, nil
}

// readBody reads exactly n bytes. The buffer grows with the data actually
// read, so a header claiming more than the stream holds fails without
// allocating the claimed size.
func readBody(r io.Reader, n int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != n {
		return nil, errors.Errorf("got %d of %d bytes", len(body), n)
	}
	return body, nil
}

// openIDX opens path and transparently decompresses gzip content.
func openIDX(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "gzip %q", path)
		}
		return &gzipFile{Reader: gz, f: f}, nil
	}
	return &plainFile{Reader: br, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if ferr := g.f.Close(); err == nil {
		err = ferr
	}
	return err
}

type plainFile struct {
	*bufio.Reader
	f *os.File
}

func (p *plainFile) Close() error {
	return p.f.Close()
}

// LoadIDXImages reads an image file, gzip-compressed or not.
func LoadIDXImages(path string) (*IDXImages, error) {
	rc, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	img, err := ReadIDXImages(rc)
	return img, errors.WithMessagef(err, "loading %q", path)
}

// LoadIDXLabels reads a label file, gzip-compressed or not.
func LoadIDXLabels(path string) ([]uint8, error) {
	rc, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	labels, err := ReadIDXLabels(rc)
	return labels, errors.WithMessagef(err, "loading %q", path)
}

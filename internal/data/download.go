package data

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultBaseURL is where the MNIST IDX files are fetched from.
const DefaultBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

// MNIST file names.
const (
	TrainImagesFile = "train-images-idx3-ubyte.gz"
	TrainLabelsFile = "train-labels-idx1-ubyte.gz"
	TestImagesFile  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// Checksums holds the SHA-256 digest of each MNIST file.
var Checksums = map[string]string{
	TrainImagesFile: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	TrainLabelsFile: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	TestImagesFile:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	TestLabelsFile:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// FileExists returns true if file or directory exists.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %q", path)
}

// ReplaceTildeInDir replaces a leading "~" by the user's home directory.
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return filepath.Join(usr.HomeDir, dir[1:])
}

// ValidateChecksum verifies the SHA-256 of the file at path. On mismatch the
// file is removed and an error returned.
func ValidateChecksum(path, checkHash string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %q", path)
	}
	hasher := sha256.New()
	_, err = io.Copy(hasher, f)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "hashing %q", path)
	}

	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash == strings.ToLower(checkHash) {
		return nil
	}
	err = errors.Errorf("file %q sha256 hash is %q, but expected %q, deleting file", path, fileHash, checkHash)
	if e2 := os.Remove(path); e2 != nil {
		klog.Warningf("failed to remove %q, which failed the checksum test: %v", path, e2)
	}
	return err
}

// Download fetches url into filePath, creating the directory if needed.
// Bytes are also written to progress when it is non-nil.
func Download(ctx context.Context, url, filePath string, progress io.Writer) (size int64, err error) {
	filePath = ReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "building request for %q", url)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, _ []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	// Write to a temporary name so an interrupted download is never mistaken
	// for a complete file.
	tmp := filePath + ".partial"
	file, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmp)
	}
	var dst io.Writer = file
	if progress != nil {
		dst = io.MultiWriter(file, progress)
	}
	size, err = io.Copy(dst, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = os.Rename(tmp, filePath); err != nil {
		return 0, errors.Wrapf(err, "renaming %q", tmp)
	}
	return size, nil
}

// DownloadIfMissing downloads url to filePath unless the file already exists,
// then validates its checksum when checkHash is not empty.
func DownloadIfMissing(ctx context.Context, url, filePath, checkHash string, progress io.Writer) error {
	filePath = ReplaceTildeInDir(filePath)
	exists, err := FileExists(filePath)
	if err != nil {
		return err
	}
	if exists {
		klog.V(1).Infof("%s already present, skipping download", filePath)
	} else {
		size, err := Download(ctx, url, filePath, progress)
		if err != nil {
			return err
		}
		klog.V(1).Infof("downloaded %s (%s)", filePath, humanize.Bytes(uint64(size)))
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// DownloadMNIST fetches the four MNIST files into dir concurrently, skipping
// those already present, and validates every checksum.
func DownloadMNIST(ctx context.Context, baseURL, dir string, showProgress bool) error {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return errors.WithMessage(DownloadFiles(ctx, baseURL, dir, Checksums, showProgress), "downloading mnist")
}

// DownloadFiles fetches every file named in checksums from baseURL into dir,
// one goroutine per file. The first failure cancels the rest. A file whose
// digest does not match is removed.
func DownloadFiles(ctx context.Context, baseURL, dir string, checksums map[string]string, showProgress bool) error {
	dir = ReplaceTildeInDir(dir)

	var progress io.Writer
	if showProgress {
		bar := progressbar.DefaultBytes(-1, "downloading")
		defer func() { _ = bar.Finish() }()
		progress = bar
	}

	g, ctx := errgroup.WithContext(ctx)
	for name, hash := range checksums {
		g.Go(func() error {
			url := strings.TrimSuffix(baseURL, "/") + "/" + name
			return DownloadIfMissing(ctx, url, filepath.Join(dir, name), hash, progress)
		})
	}
	return g.Wait()
}

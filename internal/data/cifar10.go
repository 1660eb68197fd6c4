package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mholt/archiver/v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultCIFAR10URL is the python-independent binary release of CIFAR-10
	DefaultCIFAR10URL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	// CIFAR10BaseDir is the directory the release extracts to
	CIFAR10BaseDir = "cifar-10-batches-bin"

	CIFAR10Classes  = 10
	CIFAR10Size     = 32
	CIFAR10Channels = 3

	cifar10ImageBytes  = CIFAR10Channels * CIFAR10Size * CIFAR10Size
	cifar10RecordBytes = 1 + cifar10ImageBytes
)

var (
	cifar10TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	cifar10TestFiles  = []string{"test_batch.bin"}

	// CIFAR10Mean and CIFAR10Std are the per-channel statistics of the training images in [0, 1]
	CIFAR10Mean = []float32{125.3 / 255, 123.0 / 255, 113.9 / 255}
	CIFAR10Std  = []float32{63.0 / 255, 62.1 / 255, 66.7 / 255}
)

// Dataset is an indexable collection of labelled raw images
type Dataset interface {
	Len() int
	Example(i int) (*Image, int, error)
}

// CIFAR10 holds decoded records of the binary release in memory
type CIFAR10 struct {
	records []byte
}

func (d *CIFAR10) Len() int {
	return len(d.records) / cifar10RecordBytes
}

func (d *CIFAR10) Example(i int) (*Image, int, error) {
	if i < 0 || i >= d.Len() {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, d.Len())
	}
	rec := d.records[i*cifar10RecordBytes : (i+1)*cifar10RecordBytes]
	img, err := ImageFromBytes(CIFAR10Channels, CIFAR10Size, CIFAR10Size, rec[1:])
	if err != nil {
		return nil, 0, err
	}
	return img, int(rec[0]), nil
}

// LoadCIFAR10 reads the training or test batches from root
func LoadCIFAR10(root string, train bool) (*CIFAR10, error) {
	files := cifar10TestFiles
	if train {
		files = cifar10TrainFiles
	}
	d := &CIFAR10{}
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(root, CIFAR10BaseDir, name))
		if err != nil {
			return nil, err
		}
		if len(b)%cifar10RecordBytes != 0 {
			return nil, fmt.Errorf("%s is not a sequence of %d byte records", name, cifar10RecordBytes)
		}
		d.records = append(d.records, b...)
	}
	return d, nil
}

// CIFAR10Exists reports whether every batch file is present under root
func CIFAR10Exists(root string) bool {
	for _, name := range append(append([]string(nil), cifar10TrainFiles...), cifar10TestFiles...) {
		if _, err := os.Stat(filepath.Join(root, CIFAR10BaseDir, name)); err != nil {
			return false
		}
	}
	return true
}

var httpFileTransport *http.Transport

func init() {
	httpFileTransport = new(http.Transport)
	httpFileTransport.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
}

// DownloadCIFAR10 fetches and extracts the release into root unless it is already there
func DownloadCIFAR10(ctx context.Context, root, url string) error {
	if CIFAR10Exists(root) {
		klog.V(2).Infof("CIFAR-10 already present in %s", root)
		return nil
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("could not create %q: %w", root, err)
	}
	tarPath := filepath.Join(root, "cifar-10-binary.tar.gz")
	if err := downloadFile(ctx, url, tarPath); err != nil {
		return err
	}
	defer os.Remove(tarPath)
	if err := archiver.Unarchive(tarPath, root); err != nil {
		return fmt.Errorf("failed to extract %s: %w", tarPath, err)
	}
	if !CIFAR10Exists(root) {
		return fmt.Errorf("%s did not contain %s", url, CIFAR10BaseDir)
	}
	return nil
}

func downloadFile(ctx context.Context, url, path string) (err error) {
	klog.Infof("downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Transport: httpFileTransport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%q returned %d", url, resp.StatusCode)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	klog.Infof("downloaded %d bytes to %s", n, path)
	return nil
}

// Subset views a dataset through a list of indices
type Subset struct {
	Dataset Dataset
	Indices []int
}

func (s *Subset) Len() int {
	return len(s.Indices)
}

func (s *Subset) Example(i int) (*Image, int, error) {
	if i < 0 || i >= len(s.Indices) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(s.Indices))
	}
	return s.Dataset.Example(s.Indices[i])
}

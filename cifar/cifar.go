// Package cifar reads the CIFAR-10 binary distribution into flow loaders.
//
// Each record is one label byte followed by a 32x32 red plane, green plane
// and blue plane, row-major: 3073 bytes. Samples are emitted channels-first
// as [3, 32, 32] floats.
package cifar

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	flow "cifarstages/src"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	ImageWidth  = 32
	ImageHeight = 32
	Channels    = 3
	NumClasses  = 10

	imageSize   = ImageWidth * ImageHeight
	recordBytes = imageSize*Channels + 1
)

// File names of the binary distribution.
var (
	TrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	TestFile   = "test_batch.bin"
	ClassFile  = "batches.meta.txt"
)

// Mean and StdDev map [0, 1] pixels to [-1, 1] per channel.
var (
	DefaultMean   = [Channels]float64{0.5, 0.5, 0.5}
	DefaultStdDev = [Channels]float64{0.5, 0.5, 0.5}
)

// Batch holds raw images and labels.
type Batch struct {
	Labels []int
	Pixels [][]byte // planar RGB, imageSize*Channels bytes per image
}

// Len returns the number of images.
func (b *Batch) Len() int { return len(b.Labels) }

// Append adds the images of other to b.
func (b *Batch) Append(other *Batch) {
	b.Labels = append(b.Labels, other.Labels...)
	b.Pixels = append(b.Pixels, other.Pixels...)
}

// Truncate keeps at most n images; n <= 0 keeps all.
func (b *Batch) Truncate(n int) {
	if n > 0 && n < b.Len() {
		b.Labels = b.Labels[:n]
		b.Pixels = b.Pixels[:n]
	}
}

// ReadBatch decodes records until EOF.
func ReadBatch(r io.Reader) (*Batch, error) {
	br := bufio.NewReader(r)
	b := &Batch{}
	for i := 0; ; i++ {
		rec := make([]byte, recordBytes)
		_, err := io.ReadFull(br, rec)
		if err == io.EOF {
			return b, nil
		}
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("cifar: record %d truncated", i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cifar: read record %d", i)
		}
		if int(rec[0]) >= NumClasses {
			return nil, fmt.Errorf("cifar: record %d has label %d", i, rec[0])
		}
		b.Labels = append(b.Labels, int(rec[0]))
		b.Pixels = append(b.Pixels, rec[1:])
	}
}

// LoadBatchFile reads one batch file.
func LoadBatchFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cifar: open batch")
	}
	defer f.Close()
	b, err := ReadBatch(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cifar: %s", path)
	}
	klog.V(1).Infof("read %d images from %s", b.Len(), path)
	return b, nil
}

// ReadClasses loads class names, one per non-empty line.
func ReadClasses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cifar: open classes")
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	var classes []string
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}

// Stats returns the per-channel mean and standard deviation of pixels
// scaled to [0, 1].
func Stats(b *Batch) (mean, std [Channels]float64) {
	if b.Len() == 0 {
		return DefaultMean, DefaultStdDev
	}
	var sum, sumSq [Channels]float64
	for _, px := range b.Pixels {
		for c := 0; c < Channels; c++ {
			for _, v := range px[c*imageSize : (c+1)*imageSize] {
				x := float64(v) / 255
				sum[c] += x
				sumSq[c] += x * x
			}
		}
	}
	n := float64(b.Len() * imageSize)
	for c := 0; c < Channels; c++ {
		mean[c] = sum[c] / n
		std[c] = math.Sqrt(math.Max(sumSq[c]/n-mean[c]*mean[c], 1e-12))
	}
	return mean, std
}

// LoaderConfig describes how a Batch becomes a flow.Loader
type LoaderConfig struct {
	Name      string
	BatchSize int
	Shuffle   bool
	Mean      [Channels]float64
	StdDev    [Channels]float64
}

// Loader normalizes the images per channel and wraps them as a flow.Loader.
func (b *Batch) Loader(config LoaderConfig) (*flow.Loader, error) {
	for c := 0; c < Channels; c++ {
		if config.StdDev[c] <= 0 {
			return nil, fmt.Errorf("cifar: channel %d stddev must be > 0, got %g", c, config.StdDev[c])
		}
	}
	inputs := make([][]float64, b.Len())
	for i, px := range b.Pixels {
		row := make([]float64, len(px))
		for j, v := range px {
			c := j / imageSize
			row[j] = (float64(v)/255 - config.Mean[c]) / config.StdDev[c]
		}
		inputs[i] = row
	}
	return &flow.Loader{
		Name:       config.Name,
		Inputs:     inputs,
		Labels:     append([]int(nil), b.Labels...),
		NumClasses: NumClasses,
		BatchSize:  config.BatchSize,
		Shuffle:    config.Shuffle,
	}, nil
}

// Load reads the training batches and the test batch from dir and returns
// shuffled "train" and ordered "valid" loaders. maxSamples > 0 caps each set.
func Load(dir string, maxSamples, batchSize int) (train, valid *flow.Loader, err error) {
	trainBatch := &Batch{}
	for _, name := range TrainFiles {
		b, err := LoadBatchFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, err
		}
		trainBatch.Append(b)
		if maxSamples > 0 && trainBatch.Len() >= maxSamples {
			break
		}
	}
	trainBatch.Truncate(maxSamples)

	testBatch, err := LoadBatchFile(filepath.Join(dir, TestFile))
	if err != nil {
		return nil, nil, err
	}
	testBatch.Truncate(maxSamples)

	if train, err = trainBatch.Loader(LoaderConfig{
		Name: flow.TrainLoader, BatchSize: batchSize, Shuffle: true,
		Mean: DefaultMean, StdDev: DefaultStdDev,
	}); err != nil {
		return nil, nil, err
	}
	if valid, err = testBatch.Loader(LoaderConfig{
		Name: flow.ValidLoader, BatchSize: batchSize,
		Mean: DefaultMean, StdDev: DefaultStdDev,
	}); err != nil {
		return nil, nil, err
	}
	klog.Infof("cifar: %d train and %d valid images from %s", train.Samples(), valid.Samples(), dir)
	return train, valid, nil
}

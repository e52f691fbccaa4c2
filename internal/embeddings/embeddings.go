// Package embeddings computes descriptor vectors for media items so stored
// files can be searched by visual similarity.
package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Dimensions is the length of every descriptor: a 4x4x4 RGB histogram
const Dimensions = 64

const binsPerChannel = 4

const queueSize = 100

// ErrNotImage is returned for content that no image decoder accepts
var ErrNotImage = errors.New("content is not a decodable image")

// Result is the outcome of one embedding request
type Result struct {
	Key       string
	Embedding []float32
	Error     error
}

// Work is a unit of embedding work
type Work struct {
	ctx    context.Context
	Key    string
	Data   []byte
	Result chan<- Result
}

// Service computes descriptors on a pool of workers and caches them by
// content hash
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map
	wg         sync.WaitGroup
}

// NewService starts a service with numWorkers workers
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	s := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.embed(work)
				close(work.Result)
			}
		}()
	}
}

func (s *Service) embed(work Work) Result {
	if err := work.ctx.Err(); err != nil {
		return Result{Key: work.Key, Error: err}
	}

	sum := sha256.Sum256(work.Data)
	if cached, ok := s.cache.Load(sum); ok {
		return Result{Key: work.Key, Embedding: cached.([]float32)}
	}

	embedding, err := Describe(work.Data)
	if err != nil {
		return Result{Key: work.Key, Error: err}
	}
	s.cache.Store(sum, embedding)
	return Result{Key: work.Key, Embedding: embedding}
}

// Embed queues data for embedding, waiting for room while the queue is
// full. The returned channel yields exactly one result.
func (s *Service) Embed(ctx context.Context, key string, data []byte) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{ctx: ctx, Key: key, Data: data, Result: resultChan}:
	case <-ctx.Done():
		resultChan <- Result{Key: key, Error: fmt.Errorf("embedding %q not queued: %w", key, ctx.Err())}
		close(resultChan)
	}
	return resultChan
}

// Describe decodes an image and returns its L2-normalized color histogram
func Describe(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	hist := make([]float64, Dimensions)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			i := bin(r)*binsPerChannel*binsPerChannel + bin(g)*binsPerChannel + bin(bl)
			hist[i]++
		}
	}

	var norm float64
	for _, v := range hist {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, Dimensions)
	if norm == 0 {
		return out, nil
	}
	for i, v := range hist {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// bin maps a 16-bit color channel to its histogram bucket
func bin(c uint32) int {
	return int(c>>8) * binsPerChannel / 256
}

// Close stops the workers after the queue drains
func (s *Service) Close() {
	if s.workQueue != nil {
		close(s.workQueue)
	}
	s.wg.Wait()
}

// Package gc deletes chunk objects for hard-removed sessions from the
// S3-compatible object store. Cleanup is best-effort and eventual; no
// registry invariant depends on its completion.
package gc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
)

const defaultBatchSize = 1000

// s3API is the slice of the S3 surface the collector touches. The
// concrete *s3.Client satisfies it; tests substitute a fake.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options configures a Collector.
type Options struct {
	Bucket      string
	ChunkFolder string
	BatchSize   int
	Async       bool
}

// Status is the operator-visible collector state.
type Status struct {
	Enabled        bool   `json:"enabled"`
	Bucket         string `json:"bucket"`
	ObjectsDeleted int64  `json:"objects_deleted"`
	SweepsRun      int64  `json:"sweeps_run"`
	LastError      string `json:"last_error,omitempty"`
}

// Collector removes every object under {baseId}/{chunkFolder}/ when a
// session is hard-removed.
type Collector struct {
	api         s3API
	bucket      string
	chunkFolder string
	batchSize   int32
	async       bool

	enabled        atomic.Bool
	objectsDeleted atomic.Int64
	sweepsRun      atomic.Int64
	lastError      atomic.Value // string

	wg sync.WaitGroup
}

// NewClient builds an S3 client from static credentials. A non-standard
// endpoint implies path-style addressing (MinIO and friends).
func NewClient(endpoint, region, accessKey, secretKey string) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: region}, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if accessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		}
	})
}

// New creates a Collector and probes the bucket. A failed probe leaves
// the collector disabled rather than failing the control plane; the
// condition is visible through Status.
func New(ctx context.Context, api s3API, opts Options) *Collector {
	batch := int32(opts.BatchSize)
	if batch <= 0 {
		batch = defaultBatchSize
	}
	c := &Collector{
		api:         api,
		bucket:      opts.Bucket,
		chunkFolder: strings.Trim(opts.ChunkFolder, "/"),
		batchSize:   batch,
		async:       opts.Async,
	}
	c.lastError.Store("")

	if _, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		c.lastError.Store(err.Error())
		logging.Op().Warn("object store unreachable, chunk cleanup disabled",
			"bucket", opts.Bucket, "error", err)
		return c
	}

	c.enabled.Store(true)
	logging.Op().Info("chunk garbage collector ready", "bucket", opts.Bucket, "folder", c.chunkFolder)
	return c
}

// Enabled reports whether the collector initialized against the bucket.
func (c *Collector) Enabled() bool {
	return c.enabled.Load()
}

// Status returns an operator-visible snapshot.
func (c *Collector) Status() Status {
	lastErr, _ := c.lastError.Load().(string)
	return Status{
		Enabled:        c.enabled.Load(),
		Bucket:         c.bucket,
		ObjectsDeleted: c.objectsDeleted.Load(),
		SweepsRun:      c.sweepsRun.Load(),
		LastError:      lastErr,
	}
}

// CollectSession deletes the chunk prefix of the given session id. In
// async mode the work is handed to a goroutine and the call returns once
// the task is scheduled.
func (c *Collector) CollectSession(id string) {
	if !c.enabled.Load() {
		return
	}
	if c.async {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sweep(context.Background(), id)
		}()
		return
	}
	c.sweep(context.Background(), id)
}

// SweepAll synchronously collects every id, continuing past per-session
// failures. Used by the operator-driven bulk sweep.
func (c *Collector) SweepAll(ctx context.Context, ids []string) {
	if !c.enabled.Load() {
		return
	}
	for _, id := range ids {
		c.sweep(ctx, id)
	}
}

// Wait blocks until all scheduled async sweeps finish, bounded by the
// context. Called on shutdown.
func (c *Collector) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Collector) sweep(ctx context.Context, id string) {
	start := time.Now()
	prefix := domain.BaseID(id) + "/"
	if c.chunkFolder != "" {
		prefix += c.chunkFolder + "/"
	}

	deleted := 0
	var continuation *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(c.batchSize),
			ContinuationToken: continuation,
		})
		if err != nil {
			c.lastError.Store(err.Error())
			logging.Op().Error("chunk listing failed", "session", id, "prefix", prefix, "error", err)
			return
		}
		if len(out.Contents) == 0 {
			break
		}

		objects := make([]types.ObjectIdentifier, 0, len(out.Contents))
		for _, obj := range out.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		del, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			c.lastError.Store(err.Error())
			logging.Op().Error("chunk batch delete failed", "session", id, "error", err)
		} else {
			failed := len(del.Errors)
			for _, e := range del.Errors {
				logging.Op().Warn("chunk delete failed",
					"session", id, "key", aws.ToString(e.Key),
					"code", aws.ToString(e.Code), "message", aws.ToString(e.Message))
			}
			deleted += len(objects) - failed
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}

	// Some stores keep a zero-byte marker object for the prefix itself.
	if _, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(prefix),
	}); err == nil {
		if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(prefix),
		}); err != nil {
			logging.Op().Debug("prefix marker delete failed", "session", id, "key", prefix, "error", err)
		}
	}

	c.objectsDeleted.Add(int64(deleted))
	c.sweepsRun.Add(1)
	metrics.Global().GCObjectsDeleted.Add(float64(deleted))
	metrics.Global().GCSweepDuration.Observe(time.Since(start).Seconds())
	logging.Op().Info("chunk sweep complete", "session", id, "prefix", prefix,
		"deleted", deleted, "elapsed", time.Since(start))
}

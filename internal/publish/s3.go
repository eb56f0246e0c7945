package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/config"
	"github.com/Norgate-AV/wasmbundle/internal/logfields"
	"github.com/Norgate-AV/wasmbundle/internal/manifest"
)

const uploadConcurrency = 4

// objectStore is the subset of *minio.Client the deployer uses
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Deployer uploads a published output directory to S3-compatible storage
type S3Deployer struct {
	client objectStore
	bucket string
	prefix string
	region string

	initOnce sync.Once
	initErr  error
}

// NewS3Deployer creates a deployer from the deploy section of the config
func NewS3Deployer(cfg config.DeployConfig) (*S3Deployer, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("deploy endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("deploy access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("deploy bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return newS3Deployer(client, bucket, cfg.Prefix, region), nil
}

func newS3Deployer(client objectStore, bucket, prefix, region string) *S3Deployer {
	return &S3Deployer{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		region: region,
	}
}

func (d *S3Deployer) ensureBucket(ctx context.Context) error {
	d.initOnce.Do(func() {
		exists, err := d.client.BucketExists(ctx, d.bucket)
		if err != nil {
			d.initErr = err
			return
		}
		if exists {
			return
		}
		d.initErr = d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{Region: d.region})
	})
	return d.initErr
}

// Deploy uploads every file recorded in outDir's manifest, then the manifest
// itself, and returns the number of objects written.
func (d *S3Deployer) Deploy(ctx context.Context, outDir string) (int, error) {
	m, err := manifest.Load(outDir)
	if err != nil {
		return 0, err
	}

	if len(m.Entries) == 0 {
		return 0, fmt.Errorf("%s has no published build to deploy", outDir)
	}

	if err := d.ensureBucket(ctx); err != nil {
		return 0, fmt.Errorf("ensure bucket: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, e := range m.Entries {
		e := e
		g.Go(func() error {
			return d.upload(gctx, outDir, e.Path)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	// The manifest goes last so readers never see it ahead of its files
	if err := d.upload(ctx, outDir, manifest.FileName); err != nil {
		return 0, err
	}

	return len(m.Entries) + 1, nil
}

func (d *S3Deployer) upload(ctx context.Context, outDir, rel string) error {
	full := filepath.Join(outDir, filepath.FromSlash(rel))

	f, err := os.Open(full)
	if err != nil {
		return builderr.IO("open", full, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return builderr.IO("stat", full, err)
	}

	key := objectKey(d.prefix, rel)
	if _, err := d.client.PutObject(ctx, d.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: contentType(rel),
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	slog.Debug("Uploaded object", "bucket", d.bucket, "key", key, logfields.Path(full))

	return nil
}

func objectKey(prefix, rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if prefix == "" {
		return rel
	}

	return prefix + "/" + rel
}

func contentType(p string) string {
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".wasm":
		return "application/wasm"
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	case ".map", ".json":
		return "application/json"
	case "":
		return "application/octet-stream"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}

// Package s3remote implements the remote collector for S3-compatible
// buckets. Folders are synthesized from the slash-separated object keys.
package s3remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/schaermu/cloudinv/internal/remote"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

// API is the part of the S3 client the collector uses
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config selects the bucket and credentials
type Config struct {
	Endpoint  string // empty uses the AWS endpoint for Region
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// Collector lists and fetches objects of one bucket
type Collector struct {
	api    API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ remote.Collector = (*Collector)(nil)

// New builds an S3 client from cfg. Static credentials are used when an
// access key is set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Collector, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithAPI wraps an existing client
func NewWithAPI(api API, bucket, prefix string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		api:    api,
		bucket: bucket,
		prefix: strings.TrimPrefix(prefix, "/"),
		logger: logger,
	}
}

// Object is one listed key
type Object struct {
	Key      string
	Size     int64
	ETag     string
	Modified time.Time
}

// ListAll pages through every object under the prefix and returns the
// synthesized folder tree rooted at "/"
func (c *Collector) ListAll(ctx context.Context) (*snapshot.Item, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
	}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix)
	}

	var objects []Object
	pages := s3.NewListObjectsV2Paginator(c.api, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, remote.Fail("list bucket "+c.bucket, err)
		}
		for _, obj := range page.Contents {
			o := Object{
				Key:  aws.ToString(obj.Key),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.Modified = obj.LastModified.UTC()
			}
			objects = append(objects, o)
		}
	}

	root := BuildTree(objects)
	folders, files := root.Tree().Count()
	c.logger.Info("listed bucket", "bucket", c.bucket, "prefix", c.prefix, "folders", folders, "files", files)
	return root, nil
}

// Fetch opens the object stored under key
func (c *Collector) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, remote.Fail("get object "+key, err)
	}
	return out.Body, nil
}

// Close is a no-op; S3 has no session to release
func (c *Collector) Close(context.Context) error {
	return nil
}

// BuildTree turns flat object keys into a nested listing. Keys ending in "/"
// are folder markers. Children are sorted by name.
func BuildTree(objects []Object) *snapshot.Item {
	root := &snapshot.Item{Name: "/", Path: "/", IsFolder: true}
	folders := map[string]*snapshot.Item{"": root}

	var folder func(dir string) *snapshot.Item
	folder = func(dir string) *snapshot.Item {
		if f, ok := folders[dir]; ok {
			return f
		}
		parentDir := path.Dir(dir)
		if parentDir == "." {
			parentDir = ""
		}
		parent := folder(parentDir)
		f := &snapshot.Item{
			Name:     path.Base(dir),
			IsFolder: true,
			FolderID: snapshot.ID(dir + "/"),
		}
		parent.Contents = append(parent.Contents, f)
		folders[dir] = f
		return f
	}

	for _, o := range objects {
		key := strings.Trim(o.Key, "/")
		if key == "" {
			continue
		}
		if strings.HasSuffix(o.Key, "/") {
			f := folder(key)
			if f.Modified.IsZero() {
				f.Created = snapshot.Timestamp{Time: o.Modified}
				f.Modified = snapshot.Timestamp{Time: o.Modified}
			}
			continue
		}

		dir := path.Dir(key)
		if dir == "." {
			dir = ""
		}
		parent := folder(dir)
		parent.Contents = append(parent.Contents, &snapshot.Item{
			Name:        path.Base(key),
			Created:     snapshot.Timestamp{Time: o.Modified},
			Modified:    snapshot.Timestamp{Time: o.Modified},
			FileID:      snapshot.ID(o.Key),
			Size:        o.Size,
			Hash:        snapshot.ID(o.ETag),
			ContentType: mime.TypeByExtension(path.Ext(key)),
		})
	}

	for _, f := range folders {
		sort.Slice(f.Contents, func(i, j int) bool {
			return f.Contents[i].Name < f.Contents[j].Name
		})
	}
	return root
}

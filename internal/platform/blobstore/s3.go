package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const s3Prefix = "statements/"

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3BlobStore keeps each blob as one object under statements/<id>. The
// metadata travels as S3 user metadata.
type S3BlobStore struct {
	client s3API
	bucket string
}

// NewS3BlobStore creates a store for bucket using the default AWS
// credential chain.
func NewS3BlobStore(ctx context.Context, bucket, region string) (*S3BlobStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3BlobStore{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

func objectKey(id string) string {
	return s3Prefix + id
}

func toObjectMetadata(m BlobMetadata) map[string]string {
	out := map[string]string{
		"file-name":  m.FileName,
		"category":   m.Category,
		"sha256":     m.Hash,
		"size":       strconv.FormatInt(m.Size, 10),
		"created-at": m.CreatedAt.Format(time.RFC3339Nano),
		"created-by": m.CreatedBy,
	}
	for k, v := range m.Tags {
		out["tag-"+k] = v
	}
	return out
}

func fromObjectMetadata(id string, contentType *string, md map[string]string) *BlobMetadata {
	m := &BlobMetadata{
		ID:          id,
		ContentType: aws.ToString(contentType),
		FileName:    md["file-name"],
		Category:    md["category"],
		Hash:        md["sha256"],
		CreatedBy:   md["created-by"],
		Tags:        make(map[string]string),
	}
	m.Size, _ = strconv.ParseInt(md["size"], 10, 64)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, md["created-at"])
	for k, v := range md {
		if tag, ok := strings.CutPrefix(k, "tag-"); ok {
			m.Tags[tag] = v
		}
	}
	return m
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(meta.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata:    toObjectMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("putting S3 object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("getting S3 object %s: %w", id, err)
	}
	return resp.Body, fromObjectMetadata(id, resp.ContentType, resp.Metadata), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		return fmt.Errorf("deleting S3 object %s: %w", id, err)
	}
	return nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("reading S3 object %s: %w", id, err)
	}
	return fromObjectMetadata(id, resp.ContentType, resp.Metadata), nil
}

// List walks every object under the prefix. Statement archives are small,
// so one HEAD per object is acceptable.
func (s *S3BlobStore) List(ctx context.Context, category string, limit, offset int) ([]*BlobMetadata, int, error) {
	var matched []*BlobMetadata
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s3Prefix),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("listing S3 objects: %w", err)
		}
		for _, obj := range out.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), s3Prefix)
			meta, err := s.GetMetadata(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			if category != "" && meta.Category != category {
				continue
			}
			matched = append(matched, meta)
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

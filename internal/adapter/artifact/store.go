// Package artifact 对象存储中的源码包与 slug 制品
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"paas-control/internal/pkg/config"
)

const defaultPresignTTL = time.Hour

// Store 基于 S3 协议的制品存储
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
	log     *zap.Logger
}

func NewStore(cfg config.ArtifactConfig, log *zap.Logger) *Store {
	region := lo.Ternary(cfg.Region != "", cfg.Region, "us-east-1")
	client := s3.New(s3.Options{
		BaseEndpoint: lo.Ternary(cfg.Endpoint != "", aws.String(cfg.Endpoint), nil),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	})
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		ttl:     config.ParseDuration(cfg.PresignTTL, defaultPresignTTL),
		log:     log.Named("artifact"),
	}
}

// locate 支持 s3://bucket/key 形式，其它视为默认 bucket 下的 key
func (s *Store) locate(objectKey string) (string, string) {
	if rest, ok := strings.CutPrefix(objectKey, "s3://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		return bucket, key
	}
	return s.bucket, strings.TrimPrefix(objectKey, "/")
}

// PresignGet 下载地址；ttl 为 0 时使用配置的默认值
func (s *Store) PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	bucket, key := s.locate(objectKey)
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expires(ttl)))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// PresignPut 上传地址，构建 Pod 用它推送 slug
func (s *Store) PresignPut(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	bucket, key := s.locate(objectKey)
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expires(ttl)))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// Delete 删除对象，对象不存在不视为错误
func (s *Store) Delete(ctx context.Context, objectKeys ...string) error {
	byBucket := lo.GroupBy(objectKeys, func(k string) string {
		bucket, _ := s.locate(k)
		return bucket
	})
	for bucket, keys := range byBucket {
		for _, chunk := range lo.Chunk(keys, 1000) {
			objects := lo.Map(chunk, func(k string, _ int) s3types.ObjectIdentifier {
				_, key := s.locate(k)
				return s3types.ObjectIdentifier{Key: aws.String(key)}
			})
			out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("delete objects in %s: %w", bucket, err)
			}
			for _, e := range out.Errors {
				if aws.ToString(e.Code) == "NoSuchKey" {
					continue
				}
				return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
		}
		s.log.Info("删除制品", zap.String("bucket", bucket), zap.Int("count", len(keys)))
	}
	return nil
}

func (s *Store) expires(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.ttl
	}
	return ttl
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package offsite faz o upload opcional de downloads concluídos para um
// bucket S3. Falhas de upload são logadas e nunca afetam o resultado
// entregue ao client da API — o arquivo local é a fonte de verdade.
package offsite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-xdcc/internal/config"
)

// uploadTimeout limita cada PutObject individual.
const uploadTimeout = 30 * time.Minute

// queueSize dimensiona a fila de uploads pendentes; excedentes são
// descartados com log de warning em vez de travar o caminho de download.
const queueSize = 16

// Uploader envia arquivos concluídos para o bucket configurado, um por vez,
// em uma goroutine própria.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger

	jobs      chan string
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUploader cria o Uploader e inicia o worker de uploads.
// Credenciais estáticas são usadas quando configuradas; caso contrário a
// cadeia default do SDK (env, shared config, IAM role) resolve.
func NewUploader(ctx context.Context, cfg config.OffsiteInfo, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	u := &Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "offsite", "bucket", cfg.Bucket),
		jobs:   make(chan string, queueSize),
	}

	u.wg.Add(1)
	go u.run()

	logger.Info("offsite uploader enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return u, nil
}

// Enqueue agenda o upload de um arquivo concluído. Nunca bloqueia.
func (u *Uploader) Enqueue(filePath string) {
	select {
	case u.jobs <- filePath:
	default:
		u.logger.Warn("offsite queue full, dropping upload", "path", filePath)
	}
}

// Close drena a fila e aguarda o worker terminar.
func (u *Uploader) Close() {
	u.closeOnce.Do(func() {
		close(u.jobs)
	})
	u.wg.Wait()
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for filePath := range u.jobs {
		if err := u.upload(filePath); err != nil {
			u.logger.Error("offsite upload failed", "path", filePath, "error", err)
		}
	}
}

func (u *Uploader) upload(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening file for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(u.prefix, filepath.Base(filePath))

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	start := time.Now()
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}

	u.logger.Info("offsite upload complete", "key", key, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

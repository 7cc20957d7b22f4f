package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

const (
	contentType = "application/json"

	keyTemplate = "<prefix>/<year>/<month>/<day>/<name>"
)

type Exporter interface {
	Export(ctx context.Context, report Report) error
}

// File exporter

type FileExporter struct {
	directory string
}

func NewFileExporter(directory string) FileExporter {
	return FileExporter{
		directory: directory,
	}
}

func (e FileExporter) Export(_ context.Context, report Report) error {
	b, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	err = os.MkdirAll(e.directory, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", e.directory, err)
	}

	path := filepath.Join(e.directory, report.Name())

	err = os.WriteFile(path, b, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// S3 exporter

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Exporter struct {
	s3client S3Client

	bucket string
	prefix string
}

func NewS3Exporter(s3client S3Client, bucket string, prefix string) S3Exporter {
	return S3Exporter{
		s3client: s3client,
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (e S3Exporter) Export(ctx context.Context, report Report) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := e.computeObjectKey(report)
	mime := contentType

	params := &s3.PutObjectInput{
		Bucket:      &e.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b),
		ContentType: &mime,
	}

	_, err = e.s3client.PutObject(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to write %s in s3: %w", key, err)
	}

	return nil
}

func (e S3Exporter) computeObjectKey(report Report) string {
	ts := report.EndTimestamp.UTC()

	template := strings.NewReplacer(
		"<prefix>", e.prefix,
		"<year>", fmt.Sprintf("%04d", ts.Year()),
		"<month>", fmt.Sprintf("%02d", ts.Month()),
		"<day>", fmt.Sprintf("%02d", ts.Day()),
		"<name>", report.Name(),
	)

	return strings.TrimPrefix(template.Replace(keyTemplate), "/")
}

// Parallel exporter

type ParallelExporter struct {
	exporters []Exporter
}

func NewParallelExporter(exporters ...Exporter) ParallelExporter {
	return ParallelExporter{
		exporters: exporters,
	}
}

func (p ParallelExporter) Export(ctx context.Context, report Report) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, e := range p.exporters {
		exporter := e

		group.Go(func() error {
			return exporter.Export(ctx, report)
		})
	}

	return group.Wait()
}

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver exports sealed chain segments to S3-compatible object storage for
// out-of-band retention. It runs off the decision path: an archival failure
// never affects appends or verification.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// ArchiverConfig holds object storage settings.
type ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewArchiver creates an archiver from the default AWS config chain.
func NewArchiver(ctx context.Context, cfg ArchiverConfig) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ledger: aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// segment is the on-wire archive format: the raw entries plus enough
// context to verify the segment independently of the live chain.
type segment struct {
	From       uint64       `json:"from"`
	To         uint64       `json:"to"`
	AnchorHash string       `json:"anchor_hash"`
	ExportedAt time.Time    `json:"exported_at"`
	Entries    []AuditEntry `json:"entries"`
}

// Archive exports entries [from, to] as one JSON object. The object key
// embeds the range so segments are naturally ordered and idempotent.
func (a *Archiver) Archive(ctx context.Context, l *Ledger, from, to uint64) (string, error) {
	entries, err := l.Range(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("ledger: archive range: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("ledger: archive range %d-%d is empty", from, to)
	}

	anchor := GenesisSeed
	if entries[0].Sequence > 1 {
		prev, err := l.Get(ctx, entries[0].Sequence-1)
		if err != nil {
			return "", fmt.Errorf("ledger: archive anchor: %w", err)
		}
		anchor = prev.ChainHash
	}

	seg := segment{
		From:       entries[0].Sequence,
		To:         entries[len(entries)-1].Sequence,
		AnchorHash: anchor,
		ExportedAt: time.Now().UTC(),
		Entries:    entries,
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return "", fmt.Errorf("ledger: archive encode: %w", err)
	}

	key := fmt.Sprintf("%schain/%020d-%020d.json", a.prefix, seg.From, seg.To)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: archive put: %w", err)
	}
	return key, nil
}

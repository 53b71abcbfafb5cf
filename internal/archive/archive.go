package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "priceflow/config"
	"priceflow/internal/model"
	"priceflow/logger"
)

// parquetRecord is the columnar layout of one archived candle.
type parquetRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	DataType  string  `parquet:"name=data_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the ParquetFile interface over an in-memory buffer
// so files can be assembled without touching disk before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(string) (source.ParquetFile, error) { return mf, nil }
func (mf *memoryFile) Open(string) (source.ParquetFile, error)   { return mf, nil }

func (mf *memoryFile) Seek(int64, int) (int64, error) {
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error)  { return mf.buffer.Read(b) }
func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }
func (mf *memoryFile) Close() error                { return nil }
func (mf *memoryFile) Bytes() []byte               { return mf.buffer.Bytes() }

// Archiver buffers normalized records per exchange and symbol and flushes
// them to S3 as parquet files, either on the flush interval or when a buffer
// reaches the batch size.
type Archiver struct {
	config      *appconfig.Config
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]model.MarketDataRecord
	flushTicker *time.Ticker
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := &Archiver{
		config:   cfg,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]model.MarketDataRecord),
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return a, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	interval := a.config.Storage.S3.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.flushTicker = time.NewTicker(interval)

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flush_interval": interval.String(),
	}).Info("starting archiver")

	a.wg.Add(1)
	go a.flushWorker()

	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) batchSize() int {
	if size := a.config.Storage.S3.BatchSize; size > 0 {
		return size
	}
	return 500
}

// Add buffers one record. A buffer that reaches the batch size is flushed
// immediately instead of waiting for the ticker.
func (a *Archiver) Add(rec model.MarketDataRecord) {
	key := a.bufferKey(rec.Exchange, rec.Symbol)

	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], rec)
	full := len(a.buffer[key]) >= a.batchSize()
	var entries []model.MarketDataRecord
	if full {
		entries = a.buffer[key]
		delete(a.buffer, key)
	}
	a.mu.Unlock()

	if full {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.upload(key, entries, "batch_size")
		}()
	}
}

func (a *Archiver) bufferKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]model.MarketDataRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for key, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		a.upload(key, entries, reason)
	}
}

func (a *Archiver) upload(key string, entries []model.MarketDataRecord, reason string) {
	parts := strings.SplitN(key, "|", 2)
	exchange, symbol := parts[0], parts[1]

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batch_id":     uuid.New().String(),
		"exchange":     exchange,
		"symbol":       symbol,
		"record_count": len(entries),
		"reason":       reason,
	})

	data, err := a.createParquetFile(entries)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	s3Key := a.objectKey(exchange, symbol, time.Now().UTC())
	if err := a.uploadToS3(s3Key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.config.Storage.S3.Bucket,
			"s3_key": s3Key,
		}).Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{
		"s3_key":    s3Key,
		"file_size": len(data),
	}).Info("batch archived")
}

func (a *Archiver) objectKey(exchange, symbol string, ts time.Time) string {
	key := filepath.Join(
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d/%02d/%02d", ts.Year(), ts.Month(), ts.Day(), ts.Hour()),
		fmt.Sprintf("%s_%s_%s.parquet", exchange, symbol, ts.Format("20060102150405")),
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) createParquetFile(entries []model.MarketDataRecord) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(parquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range entries {
		row := parquetRecord{
			Exchange:  rec.Exchange,
			Symbol:    rec.Symbol,
			Timestamp: rec.Timestamp.UnixMilli(),
			Open:      rec.Open,
			High:      rec.High,
			Low:       rec.Low,
			Close:     rec.Close,
			Volume:    rec.Volume,
			DataType:  string(rec.DataType),
			Source:    string(rec.Source),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       "snappy",
			"priceflow-version": a.config.Priceflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}

// backend/scanner.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dutchcoders/go-clamd"
	"gorm.io/gorm"

	"storagegate/tasks"
)

const (
	ScanStatusClean    = "clean"
	ScanStatusInfected = "infected"
	ScanStatusError    = "error"
	ScanStatusSkipped  = "skipped"
)

// ScanResult is the outcome of scanning one stored digest.
type ScanResult struct {
	Digest    string    `gorm:"primaryKey;size:64" json:"digest"`
	Status    string    `gorm:"size:16;index" json:"status"`
	Result    string    `gorm:"size:255" json:"result"`
	ScannedAt time.Time `json:"scannedAt"`
}

type ClamdScanner struct {
	client *clamd.Clamd
	db     *gorm.DB
}

// NewScanner connects to clamd, retrying with backoff. An empty address
// yields a scanner that records every job as skipped.
func NewScanner(ctx context.Context, clamdAddress string, db *gorm.DB, retry tasks.RetryConfig) (*ClamdScanner, error) {
	if db != nil {
		if err := db.AutoMigrate(&ScanResult{}); err != nil {
			return nil, err
		}
	}
	if clamdAddress == "" {
		slog.Warn("ClamdSocket not configured, virus scanning disabled")
		return &ClamdScanner{db: db}, nil
	}

	c := clamd.NewClamd(clamdAddress)
	retry.OnFailure = func(attempt int, err error) {
		slog.Warn("cannot reach clamd", "attempt", attempt, "maxAttempts", retry.MaxAttempts, "address", clamdAddress, "error", err)
	}
	if err := tasks.Do(ctx, retry, c.Ping); err != nil {
		slog.Error("giving up on clamd, virus scanning disabled for this run", "address", clamdAddress)
		return nil, err
	}
	slog.Info("connected to clamd", "address", clamdAddress)
	return &ClamdScanner{client: c, db: db}, nil
}

func (s *ClamdScanner) ScanFile(filePath string) (string, string) {
	if s.client == nil {
		return ScanStatusSkipped, "scanner not configured"
	}

	slog.Info("scanning file", "component", "clamd", "path", filePath)

	response, err := s.client.ScanFile(filePath)
	if err != nil {
		slog.Error("clamd communication failed", "component", "clamd", "error", err)
		return ScanStatusError, "clamd communication failed"
	}

	for result := range response {
		slog.Debug("clamd response", "component", "clamd", "rawResponse", result.Raw)
		if result.Status == clamd.RES_FOUND {
			virusName := strings.TrimSuffix(strings.TrimPrefix(result.Raw, result.Path+": "), " FOUND")
			slog.Warn("infected file", "component", "clamd", "path", filePath, "virus", virusName)
			return ScanStatusInfected, virusName
		} else if result.Status == clamd.RES_ERROR {
			errorDetails := strings.TrimSuffix(strings.TrimPrefix(result.Raw, result.Path+": "), " ERROR")
			slog.Error("clamd reported an error", "component", "clamd", "details", errorDetails)
			return ScanStatusError, errorDetails
		}
	}

	slog.Info("file is clean", "component", "clamd", "path", filePath)
	return ScanStatusClean, "no threats found"
}

// Handle is the scan side task. Communication errors are retried; every
// verdict, including skipped, is stored.
func (s *ClamdScanner) Handle(ctx context.Context, job tasks.Job) error {
	status, result := s.ScanFile(job.LocalPath)
	if status == ScanStatusError {
		return errors.New(result)
	}
	if s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(&ScanResult{
		Digest:    job.Digest,
		Status:    status,
		Result:    result,
		ScannedAt: time.Now().UTC(),
	}).Error
}

func (s *ClamdScanner) Lookup(ctx context.Context, digest string) (*ScanResult, error) {
	var res ScanResult
	if err := s.db.WithContext(ctx).Where("digest = ?", digest).First(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

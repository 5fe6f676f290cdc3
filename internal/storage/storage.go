// Package storage persists relayed attachments. The local backend writes into
// an upload directory; the S3 backend writes objects into a bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidName is returned for names that would escape the store root.
	ErrInvalidName = errors.New("invalid object name")
)

// Store persists uploaded file bodies under a flat name.
type Store interface {
	// Save writes data under name, replacing any existing object.
	Save(ctx context.Context, name string, data []byte) error

	// Close releases resources. Save fails with ErrStoreClosed afterwards.
	Close() error

	// String describes the backend for logs.
	String() string
}

// Backend types accepted in Config.Type.
const (
	TypeLocal  = "local"
	TypeS3     = "s3"
	TypeMemory = "memory"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Region       string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`

	// Static credentials for S3-compatible services. When either is empty
	// the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

// Config selects and configures a backend.
type Config struct {
	Type      string   `mapstructure:"type" yaml:"type" validate:"oneof=local s3 memory"`
	Directory string   `mapstructure:"directory" yaml:"directory"`
	S3        S3Config `mapstructure:"s3" yaml:"s3"`
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeLocal:
		return NewLocalStore(cfg.Directory)
	case TypeS3:
		return NewS3StoreFromConfig(ctx, cfg.S3)
	case TypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

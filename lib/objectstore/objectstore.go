// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package objectstore reads and writes the blobs stepmill keeps
// outside its database: launch configuration templates and step
// scripts.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Download when the requested object does
// not exist.
var ErrNotFound = errors.New("object not found")

// A ContentStore stores blobs at s3:// URIs.
type ContentStore interface {
	Upload(ctx context.Context, uri string, data []byte) error
	Download(ctx context.Context, uri string) ([]byte, error)
	Exists(ctx context.Context, uri string) (bool, error)
}

// UnableToUploadContentError wraps a failed upload.
type UnableToUploadContentError struct {
	URI string
	err error
}

func (e *UnableToUploadContentError) Error() string {
	return fmt.Sprintf("cannot upload %s: %s", e.URI, e.err)
}
func (e *UnableToUploadContentError) Unwrap() error { return e.err }

// CredentialsError indicates the store's credentials were rejected
// (as distinct from the object not existing).
type CredentialsError struct {
	URI string
	err error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("access to %s denied: %s", e.URI, e.err)
}
func (e *CredentialsError) Unwrap() error { return e.err }

// SplitURI splits an s3://bucket/key URI into bucket and key.
func SplitURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%q is not an s3:// URI", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q is not an s3://bucket/key URI", uri)
	}
	return bucket, key, nil
}

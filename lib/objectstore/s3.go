// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// s3API is the subset of the S3 client used here, split out so tests
// can substitute a stub.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store is the S3 implementation of ContentStore, using the
// service's ambient AWS credentials (environment, shared config, or
// instance profile).
type S3Store struct {
	logger logrus.FieldLogger
	client s3API
}

// NewS3Store returns an S3-backed ContentStore for the given region.
func NewS3Store(ctx context.Context, logger logrus.FieldLogger, region string) (*S3Store, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &S3Store{logger: logger, client: s3.NewFromConfig(awscfg)}, nil
}

func (st *S3Store) Upload(ctx context.Context, uri string, data []byte) error {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return &UnableToUploadContentError{uri, err}
	}
	_, err = st.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &UnableToUploadContentError{uri, err}
	}
	st.logger.WithField("URI", uri).WithField("Size", humanize.IBytes(uint64(len(data)))).Debug("uploaded")
	return nil
}

func (st *S3Store) Download(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := st.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(uri, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (st *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return false, err
	}
	_, err = st.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = translateError(uri, err)
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// translateError distinguishes "no such object" (ErrNotFound) from
// "credentials rejected" (CredentialsError); anything else passes
// through untouched.
func translateError(uri string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &CredentialsError{uri, err}
		}
	}
	return err
}

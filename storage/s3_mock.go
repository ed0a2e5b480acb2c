package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests and for hub tests
// that need a working snapshot store without a network.
type MockS3Client struct {
	mu      sync.Mutex
	Objects map[string][]byte
	// Err, when set, is returned from every operation.
	Err error
	// Call tracking.
	PutObjectCalled bool
	GetObjectCalled bool
	LastKey         string
}

func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string][]byte)}
}

func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.LastKey = *params.Key
	m.Objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	m.LastKey = *params.Key
	data, ok := m.Objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

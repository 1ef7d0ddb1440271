package utils

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestR2ArchiverArchiveBox(t *testing.T) {
	putter := &fakePutter{}
	a := NewR2ArchiverWithClient(putter, "snapshots")

	raw := []byte{0x01, 0x02, 0x03}
	require.NoError(t, a.ArchiveBox(context.Background(), 1234, 7, 40_000_123, raw))

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "snapshots", aws.ToString(in.Bucket))
	assert.Equal(t, "boxes/1234/7/40000123.bin", aws.ToString(in.Key))
	assert.Equal(t, "7", in.Metadata["bounty-id"])
	assert.Equal(t, raw, putter.bodies[0])
}

func TestR2ArchiverError(t *testing.T) {
	a := NewR2ArchiverWithClient(&fakePutter{err: errors.New("503 slow down")}, "snapshots")
	err := a.ArchiveBox(context.Background(), 1, 2, 3, []byte{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}

package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestKey(t *testing.T) {
	project := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	batch := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	a := newS3Archive(&fakePutter{}, "bucket", "imports/")

	tests := []struct {
		name     string
		fileName string
		want     string
	}{
		{"plain", "components.csv", "imports/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/components.csv"},
		{"unix path stripped", "/tmp/x/components.xlsx", "imports/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/components.xlsx"},
		{"windows path stripped", `C:\Users\me\bom.csv`, "imports/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/bom.csv"},
		{"empty name", "", "imports/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Key(project, batch, tt.fileName))
		})
	}
}

func TestPut(t *testing.T) {
	fake := &fakePutter{}
	a := newS3Archive(fake, "bucket", "imports/")
	project, batch := uuid.New(), uuid.New()

	err := a.Put(context.Background(), project, batch, "components.csv", "text/csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "bucket", aws.ToString(in.Bucket))
	assert.Equal(t, "text/csv", aws.ToString(in.ContentType))
	assert.Equal(t, int64(8), aws.ToInt64(in.ContentLength))
	assert.Equal(t, batch.String(), in.Metadata["batch-id"])
	assert.Equal(t, "a,b\n1,2\n", string(fake.bodies[0]))
}

func TestPut_Error(t *testing.T) {
	a := newS3Archive(&fakePutter{err: errors.New("access denied")}, "bucket", "")
	err := a.Put(context.Background(), uuid.New(), uuid.New(), "f.csv", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

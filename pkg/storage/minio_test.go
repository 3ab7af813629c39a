package storage

import (
	"context"
	"testing"
	"time"

	"frame-index-go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "cam01/frame_0001.png", ObjectName("cam01", "frame_0001", ".png"))
	assert.Equal(t, "cam01/frame_0001.jpg", ObjectName("cam01", "frame_0001", "jpg"))
	assert.Equal(t, "default/frame_0001", ObjectName("", "frame_0001", ""))
}

func TestPresignedURL(t *testing.T) {
	// 指定 region 后预签名只在本地计算，不访问服务端
	client, err := minio.New("127.0.0.1:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)
	store := &ImageStore{client: client, bucket: "frames", log: zap.NewNop().Sugar()}

	u, err := store.PresignedURL(context.Background(), "cam01/frame_0001.png", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, "/frames/cam01/frame_0001.png")
	assert.Contains(t, u, "X-Amz-Signature=")
}

func TestNewImageStoreRejectsBadEndpoint(t *testing.T) {
	_, err := NewImageStore(context.Background(), config.MinIOConfig{Endpoint: "http://bad:9000/path", BucketName: "frames"}, nil)
	assert.Error(t, err)
}

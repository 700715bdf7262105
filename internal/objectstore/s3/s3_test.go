package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blockvault/blockvault/internal/objectstore"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testBucket    = "blockvault-test"
	testRegion    = "us-east-1"
)

// startMinio runs a MinIO container and returns its S3 endpoint.
func startMinio(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping: integration test needs Docker")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image: "minio/minio:latest",
		Cmd:   []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		ExposedPorts: []string{"9000/tcp"},
		WaitingFor:   wait.ForListeningPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("skipping: could not start MinIO container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func newTestDriver(t *testing.T) objectstore.Driver {
	t.Helper()
	endpoint := startMinio(t)
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(testRegion),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(testAccessKey, testSecretKey, ""),
		),
	)
	require.NoError(t, err)
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(testBucket)})
	require.NoError(t, err)

	t.Setenv(envAccessKey, testAccessKey)
	t.Setenv(envSecretKey, testSecretKey)
	t.Setenv(envEndpoint, endpoint)

	d, err := objectstore.GetDriver(fmt.Sprintf("s3://%s@%s/backups", testBucket, testRegion))
	require.NoError(t, err)
	return d
}

func TestS3URLParsing(t *testing.T) {
	_, err := objectstore.GetDriver("s3://@us-east-1/prefix")
	assert.Error(t, err)

	_, err = objectstore.GetDriver("s3://bucket@/prefix")
	assert.Error(t, err)
}

func TestS3Driver(t *testing.T) {
	d := newTestDriver(t)

	assert.Equal(t, Kind, d.Kind())
	assert.Equal(t, "s3://blockvault-test@us-east-1/backups", d.URL())

	t.Run("write and read", func(t *testing.T) {
		require.NoError(t, d.Write("dir/file.cfg", strings.NewReader("payload")))
		assert.True(t, d.FileExists("dir/file.cfg"))
		assert.Equal(t, int64(len("payload")), d.FileSize("dir/file.cfg"))

		rc, err := d.Read("dir/file.cfg")
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "payload", string(data))
	})

	t.Run("list immediate children", func(t *testing.T) {
		require.NoError(t, d.Write("tree/one.cfg", strings.NewReader("1")))
		require.NoError(t, d.Write("tree/two.cfg", strings.NewReader("2")))
		require.NoError(t, d.Write("tree/sub/three.cfg", strings.NewReader("3")))

		names, err := d.List("tree")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"one.cfg", "two.cfg", "sub"}, names)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, d.Write("gone/file", strings.NewReader("x")))
		require.NoError(t, d.Remove("gone/file"))
		assert.False(t, d.FileExists("gone/file"))
		assert.Equal(t, int64(-1), d.FileSize("gone/file"))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.False(t, d.FileExists("never/written"))

		_, err := d.Read("never/written")
		assert.Error(t, err)
	})
}

func TestS3MissingBucket(t *testing.T) {
	endpoint := startMinio(t)

	t.Setenv(envAccessKey, testAccessKey)
	t.Setenv(envSecretKey, testSecretKey)
	t.Setenv(envEndpoint, endpoint)

	_, err := objectstore.GetDriver("s3://no-such-bucket@us-east-1/prefix")
	assert.Error(t, err)
}

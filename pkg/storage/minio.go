package storage

import (
	"bytes"
	"context"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/golang/glog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"io"
	"net/url"
	"sort"
)

type Minio struct {
	client *minio.Client
}

// Endpoint takes host:port and tls from the connection's endpoint_url extra,
// falling back to host and port.
func Endpoint(conn *connection.Connection) (endpoint string, secure bool, err error) {
	raw := conn.ExtraString("endpoint_url")
	if raw == "" {
		if conn.Host == "" {
			return "", false, fmt.Errorf("%s: no endpoint_url or host", conn.Id)
		}
		endpoint = conn.Host
		if conn.Port > 0 {
			endpoint = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		}
		return endpoint, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("%s: bad endpoint_url %q", conn.Id, raw)
	}
	return u.Host, u.Scheme == "https", nil
}

func NewMinio(conn *connection.Connection) (*Minio, error) {
	endpoint, secure, err := Endpoint(conn)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conn.Login, conn.Password, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	glog.Infoln("Object storage at", endpoint, "secure=", secure)
	return &Minio{client: client}, nil
}

func (this *Minio) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := this.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	glog.Infoln("Creating bucket", bucket)
	return this.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (this *Minio) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	info, err := this.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return err
	}
	glog.V(10).Infoln("Put", info.Bucket, info.Key, "size=", info.Size)
	return nil
}

func (this *Minio) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := this.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNoSuchObject
		}
		return nil, err
	}
	return data, nil
}

func (this *Minio) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	keys := []string{}
	for obj := range this.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

package avatar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// DefaultMaxAvatarSize 是允許鏡像的頭像大小上限
const DefaultMaxAvatarSize = 5 << 20

// Mirror 把提供者回報的頭像下載後存進 S3 相容的儲存空間
// 提供者的頭像網址（特別是 LINE 的 CDN）會過期，鏡像後的網址則是永久的
type Mirror struct {
	// Client 是 S3 客戶端
	Client *s3.Client
	// Bucket 是儲存桶名稱
	Bucket string
	// PublicEndpoint 是儲存桶的公開 Endpoint
	PublicEndpoint *url.URL

	httpClient *http.Client
	maxSize    int64
}

func NewMirror(client *s3.Client, bucket, publicBaseURL string) (*Mirror, error) {
	const op = "NewMirror"
	publicEndpoint, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
	}
	return &Mirror{
		Client:         client,
		Bucket:         bucket,
		PublicEndpoint: publicEndpoint,
		httpClient:     http.DefaultClient,
		maxSize:        DefaultMaxAvatarSize,
	}, nil
}

// Mirror 下載來源頭像並上傳到儲存空間，回傳公開網址
// 限制下載大小並只接受不含腳本的圖片 MIME 類型
func (m *Mirror) Mirror(ctx context.Context, sourceURL string) (string, error) {
	const op = "Mirror.Mirror"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to create request, err=%w", op, err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to download avatar, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("[%s] Avatar request failed with status code=%d", op, resp.StatusCode)
	}

	body := NewMaxSizeReader(resp.Body, m.maxSize)
	file, err := io.ReadAll(body)
	if errors.As(err, &ErrReachLimitType) {
		return "", fmt.Errorf("[%s] Avatar too large, err=%w", op, err)
	}
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to read avatar, err=%w", op, err)
	}

	mimeType := http.DetectContentType(file)
	secure, ext := CheckSecureImageAndGetExtension(mimeType)
	if !secure {
		return "", fmt.Errorf("[%s] Invalid avatar type: %s", op, mimeType)
	}

	path := "avatars/" + uuid.New().String() + "." + ext
	if _, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.Bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(file),
		ContentType: aws.String(mimeType),
	}); err != nil {
		return "", fmt.Errorf("[%s] Fail to upload avatar, err=%w", op, err)
	}

	uri := *m.PublicEndpoint
	uri.Path = path
	return uri.String(), nil
}

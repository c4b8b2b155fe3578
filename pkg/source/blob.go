package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"
)

// BlobScheme is the URL scheme served by BlobFetcher: azblob://<container>/<blob path>.
const BlobScheme = "azblob"

// BlobFetcher downloads operators from Azure Blob Storage using a shared key.
// HTTP blob endpoints (local Azurite instances) are supported.
type BlobFetcher struct {
	client *azblob.Client
	logger *zap.Logger
}

// NewBlobFetcher creates a BlobFetcher from a standard storage connection string.
func NewBlobFetcher(connectionString string, logger *zap.Logger) (*BlobFetcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	logger.Debug("Created blob fetcher", zap.String("service_url", strings.TrimRight(serviceURL, "/")))
	return &BlobFetcher{
		client: client,
		logger: logger,
	}, nil
}

// Fetch implements Fetcher.
func (b *BlobFetcher) Fetch(ctx context.Context, rawURL, targetPath string) error {
	container, blobPath, err := parseBlobURL(rawURL)
	if err != nil {
		return err
	}

	resp, err := b.client.DownloadStream(ctx, container, blobPath, nil)
	if err != nil {
		b.logger.Error("Failed to download operator blob",
			zap.String("container", container),
			zap.String("blob_path", blobPath),
			zap.Error(err))
		return fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read blob data: %w", err)
	}

	b.logger.Info("Downloaded operator blob",
		zap.String("container", container),
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))

	return writeFileAtomic(targetPath, data)
}

// parseBlobURL splits azblob://container/path/to/blob into its container and blob path.
func parseBlobURL(rawURL string) (container, blobPath string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("invalid blob URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, BlobScheme) {
		return "", "", fmt.Errorf("unsupported blob URL scheme %q", u.Scheme)
	}
	container = u.Host
	blobPath = strings.TrimPrefix(u.Path, "/")
	if container == "" {
		return "", "", fmt.Errorf("blob container is empty")
	}
	if blobPath == "" {
		return "", "", fmt.Errorf("blob path is empty")
	}
	return container, blobPath, nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

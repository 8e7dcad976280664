package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ivorythread/api/internal/platform/auth"
)

// ReceiptLinker issues short-lived download URLs for order receipts.
type ReceiptLinker struct {
	client *Client
	bucket string
}

// NewReceiptLinker constructs a linker for receipts stored in the given bucket.
func NewReceiptLinker(client *Client, bucket string) (*ReceiptLinker, error) {
	if client == nil {
		return nil, errors.New("receipt linker: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("receipt linker: bucket is required")
	}
	return &ReceiptLinker{client: client, bucket: bucket}, nil
}

// ReceiptURL signs a download URL for the order's receipt. Access is scoped
// to the order owner unless the identity carries a staff or admin role.
func (l *ReceiptLinker) ReceiptURL(ctx context.Context, orderID, orderNumber, ownerID string, identity *auth.Identity) (SignedURLResult, error) {
	if l == nil || l.client == nil {
		return SignedURLResult{}, errors.New("receipt linker: not initialised")
	}

	object, err := BuildObjectPath(PurposeReceipt, PathParams{
		OrderID:     orderID,
		OrderNumber: orderNumber,
	})
	if err != nil {
		return SignedURLResult{}, err
	}

	fileName := object[strings.LastIndex(object, "/")+1:]
	return l.client.SignedDownloadURL(ctx, l.bucket, object, DownloadOptions{
		OwnerID:      ownerID,
		Identity:     identity,
		Disposition:  fmt.Sprintf("attachment; filename=%q", fileName),
		ResponseType: "application/pdf",
	})
}

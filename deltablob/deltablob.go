// Package deltablob streams statement results into Azure Blob Storage.
package deltablob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/rs/zerolog/log"

	"github.com/ethanyzhang/delta-go"
)

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
)

// Uploader is the part of *azblob.Client the sinks need.
type Uploader interface {
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error)
}

// NewClient returns a blob client for the storage account at serviceURL
// (https://<account>.blob.core.windows.net/). A nil credential selects
// azidentity's default credential chain.
func NewClient(serviceURL string, cred azcore.TokenCredential) (*azblob.Client, error) {
	if cred == nil {
		defaultCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("deltablob: default azure credential: %w", err)
		}
		cred = defaultCred
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("deltablob: blob client: %w", err)
	}
	return client, nil
}

// WriteCSV runs statement on the session and streams its CSV rendering into
// container/blobName, replacing any existing blob. The upload is aborted, and
// no blob is committed, if the statement fails.
func WriteCSV(ctx context.Context, session *delta.Session, up Uploader, container, blobName, statement string, params ...delta.StatementParameter) error {
	return upload(ctx, up, container, blobName, ContentTypeCSV, func(w io.Writer) error {
		return session.QueryCSV(ctx, w, statement, params...)
	})
}

// WriteDocument runs statement and uploads the typed document as JSON.
func WriteDocument(ctx context.Context, session *delta.Session, up Uploader, container, blobName, statement string, params ...delta.StatementParameter) error {
	return upload(ctx, up, container, blobName, ContentTypeJSON, func(w io.Writer) error {
		doc, err := session.QueryDocument(ctx, statement, params...)
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(doc)
	})
}

func upload(ctx context.Context, up Uploader, container, blobName, contentType string, produce func(io.Writer) error) error {
	pr, pw := io.Pipe()

	produced := make(chan error, 1)
	go func() {
		err := produce(pw)
		pw.CloseWithError(err)
		produced <- err
	}()

	_, uploadErr := up.UploadStream(ctx, container, blobName, pr, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	// Unblock the producer if the upload stopped reading early.
	pr.CloseWithError(uploadErr)
	produceErr := <-produced

	if produceErr != nil && (uploadErr == nil || !errors.Is(produceErr, uploadErr)) {
		return produceErr
	}
	if uploadErr != nil {
		return fmt.Errorf("deltablob: upload %s/%s: %w", container, blobName, uploadErr)
	}

	log.Debug().Str("container", container).Str("blob", blobName).Msg("statement result uploaded")
	return nil
}

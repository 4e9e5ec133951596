package delta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ChunkData is the raw payload of one result chunk.
type ChunkData struct {
	Index     int
	RowOffset int64
	RowCount  int64

	// Payload is a JSON_ARRAY row list or an Arrow IPC stream, depending on the manifest format
	Payload []byte
}

// ChunkIterator walks the chunks of a succeeded statement in order. Each
// call to Next downloads one chunk; the metadata of the following page is
// fetched on the next call. Chunks are never fetched concurrently.
//
// The walk ends when a page has no next_chunk_internal_link. A server that
// keeps returning links keeps the walk going; bound it with ctx.
type ChunkIterator struct {
	sr       *StatementResponse
	current  *ResultData
	nextLink string
	done     bool
}

// Chunks returns an iterator positioned at the first result page of sr.
func (sr *StatementResponse) Chunks() *ChunkIterator {
	return &ChunkIterator{sr: sr, current: sr.Result, done: sr.Result == nil}
}

// Next returns the next chunk, or io.EOF once pagination is exhausted.
func (it *ChunkIterator) Next(ctx context.Context) (*ChunkData, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.sr.session == nil {
		it.done = true
		return nil, errors.New("cannot fetch chunks: no session associated with statement")
	}

	if it.current == nil {
		page, _, err := it.sr.session.GetResultChunk(ctx, it.nextLink)
		if err != nil {
			it.done = true
			return nil, fmt.Errorf("fetch result page for statement %s: %w", it.sr.StatementId, err)
		}
		it.current = page
	}

	page := it.current
	it.current = nil
	chunk, err := it.payload(ctx, page)
	if err != nil {
		it.done = true
		return nil, err
	}

	if it.nextLink = page.NextLink(); it.nextLink == "" {
		it.done = true
	}
	if chunk == nil {
		return it.Next(ctx)
	}
	return chunk, nil
}

// payload resolves the rows of a page: the inline data array if present,
// otherwise the download of its external link. A page without either is
// only valid for an empty last page of a result without chunks, which yields nil.
func (it *ChunkIterator) payload(ctx context.Context, page *ResultData) (*ChunkData, error) {
	chunk := &ChunkData{Index: page.ChunkIndex, RowOffset: page.RowOffset, RowCount: page.RowCount}

	if len(page.DataArray) > 0 {
		chunk.Payload = page.DataArray
		it.sr.session.client.metrics.chunkFetched(int64(len(page.DataArray)))
		return chunk, nil
	}

	link := page.Link()
	if link == nil || link.ExternalLink == "" {
		if it.sr.Manifest != nil && it.sr.Manifest.TotalChunkCount == 0 &&
			page.RowCount == 0 && page.NextLink() == "" {
			return nil, nil
		}
		return nil, protocolErrorf(it.sr.StatementId, "chunk %d has no external link", page.ChunkIndex)
	}
	chunk.Index, chunk.RowOffset, chunk.RowCount = link.ChunkIndex, link.RowOffset, link.RowCount

	var buf bytes.Buffer
	if _, err := it.sr.session.FetchExternalLink(ctx, link, &buf); err != nil {
		return nil, fmt.Errorf("statement %s: %w", it.sr.StatementId, err)
	}
	chunk.Payload = buf.Bytes()
	return chunk, nil
}

// ChunkHandler is a function type for processing result chunks.
type ChunkHandler func(chunk *ChunkData) error

// Drain walks every remaining chunk in order and hands it to handler.
func (sr *StatementResponse) Drain(ctx context.Context, handler ChunkHandler) error {
	if sr == nil {
		return errors.New("cannot drain results: nil StatementResponse")
	}
	it := sr.Chunks()
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain operation failed: %w", err)
		}
		if handler != nil {
			if err := handler(chunk); err != nil {
				return fmt.Errorf("chunk handler returned error for statement %s: %w", sr.StatementId, err)
			}
		}
	}
}

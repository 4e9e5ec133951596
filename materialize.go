package delta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WriteCSV walks every chunk of a succeeded statement and writes the result
// as CSV into w, header first.
func (sr *StatementResponse) WriteCSV(ctx context.Context, w io.Writer) error {
	if err := sr.checkMaterializable(); err != nil {
		return err
	}
	cw := NewCSVWriter(w, sr.Manifest.Schema).Format(sr.Manifest.Format)
	err := sr.Drain(ctx, func(chunk *ChunkData) error {
		return cw.WriteChunk(chunk.Payload)
	})
	if err != nil {
		return err
	}
	return cw.Flush()
}

// Document walks every chunk of a succeeded statement and decodes the rows
// into typed records.
func (sr *StatementResponse) Document(ctx context.Context) (*Document, error) {
	if err := sr.checkMaterializable(); err != nil {
		return nil, err
	}
	var metrics *Metrics
	if sr.session != nil {
		metrics = sr.session.client.metrics
	}
	b, err := NewDocumentBuilder(sr.Manifest.Schema, metrics)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.StatementId = sr.StatementId
		}
		return nil, err
	}
	b.Format(sr.Manifest.Format)
	err = sr.Drain(ctx, func(chunk *ChunkData) error {
		return b.AddChunk(chunk.Payload)
	})
	if err != nil {
		return nil, err
	}
	return b.Document(), nil
}

func (sr *StatementResponse) checkMaterializable() error {
	if sr == nil {
		return protocolErrorf("", "nil statement response")
	}
	if sr.Status.State != StatementStateSucceeded {
		return fmt.Errorf("statement %s is %s, not SUCCEEDED", sr.StatementId, sr.Status.State)
	}
	return validateSucceeded(sr)
}

// QueryCSV runs statement to completion and writes its result as CSV into w.
func (s *Session) QueryCSV(ctx context.Context, w io.Writer, statement string, params ...StatementParameter) error {
	sr, err := s.Query(ctx, statement, params...)
	if err != nil {
		return err
	}
	return sr.WriteCSV(ctx, w)
}

// QueryCSVString is QueryCSV into a string.
func (s *Session) QueryCSVString(ctx context.Context, statement string, params ...StatementParameter) (string, error) {
	var b strings.Builder
	if err := s.QueryCSV(ctx, &b, statement, params...); err != nil {
		return "", err
	}
	return b.String(), nil
}

// QueryDocument runs statement to completion and decodes its result into typed records.
func (s *Session) QueryDocument(ctx context.Context, statement string, params ...StatementParameter) (*Document, error) {
	sr, err := s.Query(ctx, statement, params...)
	if err != nil {
		return nil, err
	}
	return sr.Document(ctx)
}

// ServeCSV runs statement and streams the result to w as a CSV attachment
// named "<filename>-data.csv". An empty filename defaults to the session's
// schema. Nothing is written to w until the statement has succeeded, so a
// failed statement leaves the response untouched for the caller to report.
func (s *Session) ServeCSV(ctx context.Context, w http.ResponseWriter, filename, statement string, params ...StatementParameter) error {
	sr, err := s.Query(ctx, statement, params...)
	if err != nil {
		return err
	}
	if err := sr.checkMaterializable(); err != nil {
		return err
	}

	if filename == "" {
		s.mu.RLock()
		filename = s.schema
		s.mu.RUnlock()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-data.csv"`, filename))
	w.WriteHeader(http.StatusOK)

	return sr.WriteCSV(ctx, w)
}

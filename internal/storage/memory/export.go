package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	v1 "github.com/memsync/memsync/internal/storage/memory/export/v1"
	"github.com/memsync/memsync/internal/util"
	"github.com/memsync/memsync/pkg/core"
)

// export must be called with b.mu held.
func (b *Backend) export() error {
	data := b.data()
	exp := v1.Build(&data)

	ext := ".json"
	if b.cfg.CompressOutput {
		ext = ".json.zst"
	}
	name := util.RecordingName(b.session.Location, b.session.StartTime, b.session.ID) + ext

	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(b.cfg.OutputDir, name)
	if err := writeExport(path, exp, b.cfg.CompressOutput); err != nil {
		return err
	}

	b.lastPath = path
	b.lastMeta = core.UploadMetadata{
		SessionID: exp.SessionID,
		Location:  exp.Location,
		Duration:  exp.DurationSeconds,
		Tag:       exp.Tag,
	}
	return nil
}

func writeExport(path string, exp v1.Export, compress bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close export file: %w", cerr)
		}
	}()

	var w io.Writer = f
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w = enc
	}

	if err := json.NewEncoder(w).Encode(exp); err != nil {
		if enc != nil {
			enc.Close()
		}
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to finish zstd stream: %w", err)
		}
	}
	return nil
}

// ReadExport decodes a recording written by the backend, compressed or not.
func ReadExport(path string) (v1.Export, error) {
	var exp v1.Export
	f, err := os.Open(path)
	if err != nil {
		return exp, err
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".zst" {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return exp, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return exp, fmt.Errorf("failed to decode export: %w", err)
	}
	return exp, nil
}

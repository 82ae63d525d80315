package export

import (
	"bufio"
	"bytes"
	"catalogcore/internal/infra/blob"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// ReadManifest loads the manifest of a study export.
func ReadManifest(ctx context.Context, store blob.Store, prefix string, studyUID int64) (Manifest, error) {
	_, rc, err := store.Get(ctx, Keys(prefix, studyUID, ""))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ReadArtifact decodes every line of an artifact into T.
func ReadArtifact[T any](ctx context.Context, store blob.Store, key string) ([]T, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var out []T
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", key, len(out)+1, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

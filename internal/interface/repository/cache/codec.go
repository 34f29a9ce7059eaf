package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/klauspost/compress/gzip"

	"cacheproxy/internal/domain"
)

// compressThreshold 以上のボディは圧縮を試みる.
const compressThreshold = 1024

// compress はデータをgzip圧縮する
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress はgzip圧縮されたデータを展開する
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// maybeCompress は圧縮して小さくなる場合のみ圧縮データを返す.
func maybeCompress(data []byte) ([]byte, bool) {
	if len(data) <= compressThreshold {
		return data, false
	}
	compData, err := compress(data)
	if err != nil || len(compData) >= len(data) {
		return data, false
	}
	return compData, true
}

// keyHash はキーからファイル名に使うハッシュを作る.
func keyHash(key domain.CacheKey) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

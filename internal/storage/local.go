// Package storage はアップロード原本と変換結果のファイル保存を担います。
//
// 保存先は2つの論理プレフィックスに分かれます。
//   - originals/<id>.<ext> : アップロードされた原本
//   - converted/<id>.<ext> : 変換結果
//
// ファイル名はアーティファクトIDから決まるため、同じIDで再処理した場合は上書きになります。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	PrefixOriginals = "originals"
	PrefixConverted = "converted"
)

// ErrInvalidKey は保存キーがルート外を指している場合に返されます。
var ErrInvalidKey = errors.New("storage: invalid key")

// Local はローカルファイルシステム上のストレージです。
type Local struct {
	root    string
	workDir string
}

// NewLocal は root 配下にプレフィックスディレクトリを作成して Local を返します。
// workDir は変換用の一時ディレクトリの親で、空文字なら os.TempDir() を使います。
func NewLocal(root, workDir string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, prefix := range []string{PrefixOriginals, PrefixConverted} {
		if err := os.MkdirAll(filepath.Join(abs, prefix), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", prefix, err)
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	return &Local{root: abs, workDir: workDir}, nil
}

// OriginalKey は原本の保存キーを返します。
func OriginalKey(id, ext string) string {
	return PrefixOriginals + "/" + id + "." + normalizeExt(ext)
}

// ConvertedKey は変換結果の保存キーを返します。
func ConvertedKey(id, ext string) string {
	return PrefixConverted + "/" + id + "." + normalizeExt(ext)
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Path はキーに対応するローカルパスを返します。
func (l *Local) Path(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.root, cleaned), nil
}

// Save は r の内容をキーの位置に書き込み、書き込んだバイト数を返します。
// 一時ファイルに書いてから rename するため、途中で失敗しても既存ファイルは壊れません。
func (l *Local) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	dst, err := l.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer func() {
		// rename 済みなら存在しないので無視される
		_ = os.Remove(tmpPath)
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveFile は既存のファイルをキーの位置へコピーします。
func (l *Local) SaveFile(ctx context.Context, key, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return l.Save(ctx, key, src)
}

// Open はキーのファイルを開き、サイズとともに返します。
func (l *Local) Open(key string) (*os.File, int64, error) {
	path, err := l.Path(key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Size はキーのファイルサイズを返します。
func (l *Local) Size(key string) (int64, error) {
	path, err := l.Path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete はキーのファイルを削除します。存在しない場合は成功扱いです。
func (l *Local) Delete(key string) error {
	if key == "" {
		return nil
	}
	path, err := l.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Scratch はジョブ専用の一時ディレクトリを作成します。
// 返される cleanup は何度呼んでも安全です。
func (l *Local) Scratch(name string) (dir string, cleanup func() error, err error) {
	dir, err = os.MkdirTemp(l.workDir, "job-"+name+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, func() error { return os.RemoveAll(dir) }, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

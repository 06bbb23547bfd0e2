package artifact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"github.com/yourusername/metasqueeze/internal/storage"
)

const (
	artifactKeyPrefix = "artifact:"
	createdIndexKey   = "artifacts:by_created"
	processingIndex   = "artifacts:processing"

	maxUpdateAttempts = 16
	mgetBatchSize     = 100
)

// ErrContention は楽観ロックの再試行回数を超えた場合に返されます。
var ErrContention = errors.New("artifact update contention")

// Blobs はストアが所有するファイル保存先です。
type Blobs interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	SaveFile(ctx context.Context, key, srcPath string) (int64, error)
	Open(key string) (*os.File, int64, error)
	Size(key string) (int64, error)
	Path(key string) (string, error)
	Delete(key string) error
}

// Store はアーティファクトの記録を Redis に、ファイルを Blobs に保存します。
//
// 記録は artifact:<id> に JSON で置き、作成日時と processing 開始日時を
// ソート済みセットで索引します。更新は WATCH/MULTI による ID 単位の原子的な読み書きです。
type Store struct {
	rdb   redis.UniversalClient
	blobs Blobs
	now   func() time.Time
}

// Option は Store の生成オプションです。
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient, blobs Blobs, opts ...Option) *Store {
	s := &Store{
		rdb:   rdb,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewArtifact は Create の入力です。
type NewArtifact struct {
	Kind         Kind
	OriginalName string
	Body         io.Reader
}

// Create は原本を保存し、pending のアーティファクトを記録します。
func (s *Store) Create(ctx context.Context, in NewArtifact) (*Artifact, error) {
	if in.Kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if in.Body == nil {
		return nil, fmt.Errorf("body is required")
	}

	id := uuid.NewString()
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(in.OriginalName)), ".")
	if ext == "" {
		ext = "bin"
	}
	key := storage.OriginalKey(id, ext)

	hasher := blake3.New()
	size, err := s.blobs.Save(ctx, key, io.TeeReader(in.Body, hasher))
	if err != nil {
		return nil, fmt.Errorf("failed to save original: %w", err)
	}

	now := s.now().UTC()
	a := &Artifact{
		ID:               id,
		Kind:             in.Kind,
		Status:           StatusPending,
		OriginalName:     filepath.Base(in.OriginalName),
		OriginalRef:      key,
		OriginalSize:     &size,
		OriginalChecksum: hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	payload, err := json.Marshal(a)
	if err != nil {
		_ = s.blobs.Delete(key)
		return nil, err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, artifactKey(id), payload, 0)
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		if cleanupErr := s.blobs.Delete(key); cleanupErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
		}
		return nil, fmt.Errorf("failed to save artifact record: %w", err)
	}
	return a, nil
}

// Get はアーティファクトを取得します。存在しない場合は ErrNotFound です。
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, artifactKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

// Update は ID 単位で原子的に読み込み・変更・書き込みを行います。
// mutate がエラーを返した場合は何も書き込まずにそのエラーを返します。
// ID・作成日時・原本参照は変更できません。
func (s *Store) Update(ctx context.Context, id string, mutate func(*Artifact) error) (*Artifact, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	key := artifactKey(id)

	var updated *Artifact
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.OriginalRef = current.OriginalRef
		next.UpdatedAt = s.now().UTC()
		if err := next.checkInvariants(); err != nil {
			return err
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.Status == StatusProcessing {
				started := next.UpdatedAt
				if next.StartedAt != nil {
					started = *next.StartedAt
				}
				pipe.ZAdd(ctx, processingIndex, redis.Z{Score: score(started), Member: id})
			} else {
				pipe.ZRem(ctx, processingIndex, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrContention
}

// Delete は変換結果と原本のファイルを削除してから記録を削除します。
// ファイル削除に失敗した場合は記録を残し、次回の削除で再試行できるようにします。
// processing のものは ErrConflict で拒否します。状態確認から記録削除までを
// WATCH で囲むため、途中でクレームされた場合は再読み込みして判定し直します。
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	key := artifactKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		a, err := decode(data)
		if err != nil {
			return err
		}
		if a.Status == StatusProcessing {
			return fmt.Errorf("%w: artifact is being processed", ErrConflict)
		}
		if err := s.blobs.Delete(a.OutputRef); err != nil {
			return fmt.Errorf("failed to delete output file: %w", err)
		}
		if err := s.blobs.Delete(a.OriginalRef); err != nil {
			return fmt.Errorf("failed to delete original file: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, createdIndexKey, id)
			pipe.ZRem(ctx, processingIndex, id)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// ListOlderThan は作成日時が t より前のアーティファクトを古い順に返します。
func (s *Store) ListOlderThan(ctx context.Context, t time.Time) ([]*Artifact, error) {
	return s.listIndex(ctx, createdIndexKey, t)
}

// ListProcessingSince は t より前から processing のままのアーティファクトを返します。
func (s *Store) ListProcessingSince(ctx context.Context, t time.Time) ([]*Artifact, error) {
	return s.listIndex(ctx, processingIndex, t)
}

func (s *Store) listIndex(ctx context.Context, index string, before time.Time) ([]*Artifact, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	artifacts := make([]*Artifact, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatchSize {
		end := min(start+mgetBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, artifactKey(id))
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				// 索引取得後に削除されたもの
				continue
			}
			a, err := decode([]byte(raw))
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

// OriginalPath は原本ファイルのローカルパスを返します。
func (s *Store) OriginalPath(a *Artifact) (string, error) {
	return s.blobs.Path(a.OriginalRef)
}

// OriginalSize は保存済み原本のサイズを返します。
func (s *Store) OriginalSize(a *Artifact) (int64, error) {
	return s.blobs.Size(a.OriginalRef)
}

// StoreOutput は変換結果を converted/<id>.<ext> に保存し、キーとサイズを返します。
func (s *Store) StoreOutput(ctx context.Context, a *Artifact, ext, srcPath string) (string, int64, error) {
	key := storage.ConvertedKey(a.ID, ext)
	size, err := s.blobs.SaveFile(ctx, key, srcPath)
	if err != nil {
		return "", 0, err
	}
	return key, size, nil
}

// OpenOutput は completed のアーティファクトの変換結果を開きます。
func (s *Store) OpenOutput(a *Artifact) (*os.File, int64, error) {
	if a.Status != StatusCompleted || a.OutputRef == "" {
		return nil, 0, fmt.Errorf("%w: artifact has no output (status=%s)", ErrConflict, a.Status)
	}
	return s.blobs.Open(a.OutputRef)
}

func decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}

func artifactKey(id string) string {
	return artifactKeyPrefix + id
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

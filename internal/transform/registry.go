// Package transform は変換種別ごとの変換関数とそのレジストリを提供します。
//
// 変換関数の契約は「読み取り可能な入力パスと出力パスを受け取り、出力ファイルを
// ちょうど1つ作って正常終了するか、エラーを返す（その場合は使える出力はない）」です。
package transform

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/yourusername/metasqueeze/internal/artifact"
)

// Func は1種類の変換を行う関数です。
type Func func(ctx context.Context, inputPath, outputPath string) error

// InspectFunc は入力ファイルから付随メタデータを読み取ります。
type InspectFunc func(inputPath string) (*artifact.ImageMeta, error)

// Transformation はレジストリに登録される1件の変換定義です。
type Transformation struct {
	Kind      artifact.Kind
	InputExts []string // 受け付ける入力拡張子（ドットなし・小文字）
	OutputExt string   // 出力拡張子（ドットなし・小文字）
	Run       Func
	Inspect   InspectFunc // 画像のみ。nil 可
}

// ValidateInput は入力パスの拡張子が受け付け対象かを確認します。
func (t Transformation) ValidateInput(path string) error {
	if len(t.InputExts) == 0 {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if slices.Contains(t.InputExts, ext) {
		return nil
	}
	return newError(CodeValidation,
		fmt.Sprintf("Invalid input file format for %s. Expected: %s.", t.Kind, strings.Join(t.InputExts, ", ")),
		nil)
}

// Registry は種類から変換定義への不変マッピングです。プロセス起動時に一度だけ組み立てます。
type Registry struct {
	entries map[artifact.Kind]Transformation
}

// NewRegistry は変換定義からレジストリを作成します。同じ種類の重複登録はエラーです。
func NewRegistry(ts ...Transformation) (*Registry, error) {
	entries := make(map[artifact.Kind]Transformation, len(ts))
	for _, t := range ts {
		if t.Kind == "" {
			return nil, fmt.Errorf("transformation kind is required")
		}
		if t.Run == nil {
			return nil, fmt.Errorf("transformation %s has no function", t.Kind)
		}
		if t.OutputExt == "" {
			return nil, fmt.Errorf("transformation %s has no output extension", t.Kind)
		}
		if _, dup := entries[t.Kind]; dup {
			return nil, fmt.Errorf("transformation %s registered twice", t.Kind)
		}
		entries[t.Kind] = normalize(t)
	}
	return &Registry{entries: entries}, nil
}

// Lookup は種類に対応する変換定義を返します。未登録なら UNSUPPORTED_KIND です。
func (r *Registry) Lookup(kind artifact.Kind) (Transformation, error) {
	t, ok := r.entries[kind]
	if !ok {
		return Transformation{}, newError(CodeUnsupportedKind, fmt.Sprintf("Unsupported conversion type: %s", kind), nil)
	}
	t.InputExts = slices.Clone(t.InputExts)
	return t, nil
}

// ValidateInput は種類ごとの入力拡張子を確認します。未登録の種類はここでは検査しません。
func (r *Registry) ValidateInput(kind artifact.Kind, path string) error {
	t, ok := r.entries[kind]
	if !ok {
		return nil
	}
	return t.ValidateInput(path)
}

// Kinds は登録済みの種類をソートして返します。
func (r *Registry) Kinds() []artifact.Kind {
	kinds := make([]artifact.Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func normalize(t Transformation) Transformation {
	exts := make([]string, len(t.InputExts))
	for i, e := range t.InputExts {
		exts[i] = strings.TrimPrefix(strings.ToLower(e), ".")
	}
	t.InputExts = exts
	t.OutputExt = strings.TrimPrefix(strings.ToLower(t.OutputExt), ".")
	return t
}

// Package artifact はアップロードされたファイルとその処理状態（アーティファクト）を管理します。
package artifact

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status はアーティファクトの処理状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は自動遷移がもう起きない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind は要求された変換の種類です。
type Kind string

const (
	KindPDFToWord  Kind = "pdf_to_word"
	KindWordToPDF  Kind = "word_to_pdf"
	KindPDFToText  Kind = "pdf_to_text"
	KindWordToText Kind = "word_to_text"

	KindImageWebP Kind = "image_webp"
	KindImageJPEG Kind = "image_jpeg"
	KindImagePNG  Kind = "image_png"
)

// Family はキューや保持期間を分けるための大分類です。
type Family string

const (
	FamilyImage    Family = "images"
	FamilyDocument Family = "documents"
)

// DocumentKinds はドキュメント変換の種類一覧です。
var DocumentKinds = []Kind{KindPDFToWord, KindWordToPDF, KindPDFToText, KindWordToText}

// Family は種類が属する大分類を返します。
func (k Kind) Family() Family {
	switch k {
	case KindImageWebP, KindImageJPEG, KindImagePNG:
		return FamilyImage
	default:
		return FamilyDocument
	}
}

// OutputFormat は画像変換の出力形式（WEBP/JPEG/PNG）を返します。画像以外は空文字です。
func (k Kind) OutputFormat() string {
	switch k {
	case KindImageWebP:
		return "WEBP"
	case KindImageJPEG:
		return "JPEG"
	case KindImagePNG:
		return "PNG"
	default:
		return ""
	}
}

// ImageKindFor は出力形式名から画像変換の種類を返します。空文字は WEBP 扱いです。
func ImageKindFor(format string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(format)) {
	case "", "WEBP":
		return KindImageWebP, nil
	case "JPEG", "JPG":
		return KindImageJPEG, nil
	case "PNG":
		return KindImagePNG, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// ParseDocumentKind は変換種別の文字列を正規化して返します。
func ParseDocumentKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DocumentKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// ImageMeta は画像の埋め込みメタデータです。取得できなかった項目は nil のままです。
type ImageMeta struct {
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Format       string     `json:"format,omitempty"`
	CameraMake   string     `json:"cameraMake,omitempty"`
	CameraModel  string     `json:"cameraModel,omitempty"`
	TakenAt      *time.Time `json:"takenAt,omitempty"`
	GPSLatitude  *float64   `json:"gpsLatitude,omitempty"`
	GPSLongitude *float64   `json:"gpsLongitude,omitempty"`
}

// Artifact は1件の投入ファイルとその処理記録です。
type Artifact struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	Status           Status     `json:"status"`
	OriginalName     string     `json:"originalName"`
	OriginalRef      string     `json:"originalRef"`
	OutputRef        string     `json:"outputRef,omitempty"`
	OriginalSize     *int64     `json:"originalSize,omitempty"`
	OutputSize       *int64     `json:"outputSize,omitempty"`
	OriginalChecksum string     `json:"originalChecksum,omitempty"`
	ErrorCode        string     `json:"errorCode,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	Image            *ImageMeta `json:"image,omitempty"`

	ClaimToken string     `json:"claimToken,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var (
	// ErrNotFound は参照先のアーティファクトが存在しない場合に返されます。
	ErrNotFound = errors.New("artifact not found")
	// ErrConflict は現在の状態では要求された遷移ができない場合に返されます。
	ErrConflict = errors.New("artifact state conflict")
	// ErrInvariant は更新結果がデータモデルの不変条件を満たさない場合に返されます。
	ErrInvariant = errors.New("artifact invariant violated")
)

// checkInvariants は状態と付随フィールドの整合性を検証します。
func (a *Artifact) checkInvariants() error {
	if a.OriginalRef == "" {
		return fmt.Errorf("%w: originalRef is empty", ErrInvariant)
	}
	switch a.Status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, a.Status)
	}
	completed := a.Status == StatusCompleted
	if completed != (a.OutputRef != "") {
		return fmt.Errorf("%w: outputRef must be set iff completed (status=%s)", ErrInvariant, a.Status)
	}
	if completed && a.OutputSize == nil {
		return fmt.Errorf("%w: outputSize missing on completed artifact", ErrInvariant)
	}
	if (a.Status == StatusFailed) != (a.ErrorMessage != "") {
		return fmt.Errorf("%w: errorMessage must be set iff failed (status=%s)", ErrInvariant, a.Status)
	}
	if a.Status == StatusProcessing && a.ClaimToken == "" {
		return fmt.Errorf("%w: processing without claim token", ErrInvariant)
	}
	return nil
}

// Clone はアーティファクトのディープコピーを返します。
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.OriginalSize != nil {
		v := *a.OriginalSize
		c.OriginalSize = &v
	}
	if a.OutputSize != nil {
		v := *a.OutputSize
		c.OutputSize = &v
	}
	if a.StartedAt != nil {
		v := *a.StartedAt
		c.StartedAt = &v
	}
	if a.FinishedAt != nil {
		v := *a.FinishedAt
		c.FinishedAt = &v
	}
	if a.Image != nil {
		img := *a.Image
		c.Image = &img
	}
	return &c
}

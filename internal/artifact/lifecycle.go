package artifact

import (
	"errors"
	"fmt"
	"time"
)

// MaxErrorMessageLen は保存するエラーメッセージの最大文字数です。
const MaxErrorMessageLen = 255

var (
	// ErrAlreadyClaimed は別のワーカーが処理中であることを表します。
	ErrAlreadyClaimed = errors.New("artifact is being processed by another worker")
	// ErrAlreadyTerminal は既に completed / failed であることを表します。
	ErrAlreadyTerminal = errors.New("artifact already reached a terminal status")
	// ErrClaimLost は処理権を失った後に終端状態を書こうとしたことを表します。
	ErrClaimLost = errors.New("artifact claim lost")
)

// Claim は pending → processing の遷移を行います。
// 同じトークンで既に processing の場合は再配信とみなしてそのまま処理を再開します。
func (a *Artifact) Claim(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("claim token is required")
	}
	switch a.Status {
	case StatusPending:
		a.Status = StatusProcessing
		a.ClaimToken = token
		a.StartedAt = &now
		a.FinishedAt = nil
		a.Attempts++
		return nil
	case StatusProcessing:
		if a.ClaimToken == token {
			return nil
		}
		return ErrAlreadyClaimed
	default:
		return ErrAlreadyTerminal
	}
}

// Complete は processing → completed の遷移を行います。
func (a *Artifact) Complete(token, outputRef string, outputSize int64, now time.Time) error {
	if err := a.holds(token); err != nil {
		return err
	}
	if outputRef == "" {
		return fmt.Errorf("%w: outputRef is empty", ErrInvariant)
	}
	a.Status = StatusCompleted
	a.OutputRef = outputRef
	a.OutputSize = &outputSize
	a.ErrorCode = ""
	a.ErrorMessage = ""
	a.ClaimToken = ""
	a.FinishedAt = &now
	return nil
}

// Fail は processing → failed の遷移を行います。メッセージは上限文字数で切り詰めます。
func (a *Artifact) Fail(token, code, message string, now time.Time) error {
	if err := a.holds(token); err != nil {
		return err
	}
	if message == "" {
		message = "Conversion failed."
	}
	a.Status = StatusFailed
	a.ErrorCode = code
	a.ErrorMessage = Truncate(message, MaxErrorMessageLen)
	a.OutputRef = ""
	a.OutputSize = nil
	a.ClaimToken = ""
	a.FinishedAt = &now
	return nil
}

// Requeue は管理操作による failed → pending のリセットです。
func (a *Artifact) Requeue() error {
	if a.Status != StatusFailed {
		return fmt.Errorf("%w: only failed artifacts can be retried (status=%s)", ErrConflict, a.Status)
	}
	a.reset()
	return nil
}

// Recover は cutoff より前から processing のままのアーティファクトを pending に戻します。
func (a *Artifact) Recover(cutoff time.Time) error {
	if a.Status != StatusProcessing {
		return fmt.Errorf("%w: artifact is not processing (status=%s)", ErrConflict, a.Status)
	}
	if a.StartedAt != nil && !a.StartedAt.Before(cutoff) {
		return fmt.Errorf("%w: artifact is still within the processing window", ErrConflict)
	}
	a.reset()
	return nil
}

// Release は管理操作として processing を経過時間に関係なく pending に戻します。
// 元のワーカーが後から終端状態を書こうとしても ErrClaimLost になります。
func (a *Artifact) Release() error {
	if a.Status != StatusProcessing {
		return fmt.Errorf("%w: artifact is not processing (status=%s)", ErrConflict, a.Status)
	}
	a.reset()
	return nil
}

func (a *Artifact) reset() {
	a.Status = StatusPending
	a.ErrorCode = ""
	a.ErrorMessage = ""
	a.OutputRef = ""
	a.OutputSize = nil
	a.ClaimToken = ""
	a.StartedAt = nil
	a.FinishedAt = nil
}

func (a *Artifact) holds(token string) error {
	if a.Status != StatusProcessing || a.ClaimToken != token {
		return fmt.Errorf("%w (status=%s)", ErrClaimLost, a.Status)
	}
	return nil
}

// Truncate は s を最大 n 文字（rune 単位）に切り詰めます。
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package domain

import (
	"context"
	stderrors "errors"

	"github.com/jmgilman/go/errors"
)

// NewNetworkError はネットワーク不通エラーを作成.
// コンテキストの期限切れはタイムアウトとして分類する.
func NewNetworkError(rawURL string, err error) error {
	code := errors.CodeNetwork
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.CodeTimeout
	}
	return errors.WrapWithContext(err, code, "network unavailable", map[string]interface{}{
		"url": rawURL,
	})
}

// IsNetworkError はネットワーク不通エラーか確認.
func IsNetworkError(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeNetwork, errors.CodeTimeout:
		return true
	}
	return false
}

// NewCacheWriteError はキャッシュ書き込み失敗エラーを作成.
func NewCacheWriteError(partition string, key CacheKey, err error) error {
	return errors.WrapWithContext(err, errors.CodeInternal, "cache write failed", map[string]interface{}{
		"partition": partition,
		"key":       string(key),
	})
}

// NewNotReadyError はアクティベーション前のエラーを作成.
func NewNotReadyError(err error) error {
	return errors.Wrap(err, errors.CodeUnavailable, "cache not active")
}

// IsNotReady はアクティベーション前エラーか確認.
func IsNotReady(err error) bool {
	return errors.GetCode(err) == errors.CodeUnavailable
}

// NewConfigError は設定エラーを作成.
func NewConfigError(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}

// NewTransitionError は不正なライフサイクル遷移エラーを作成.
func NewTransitionError(op string, state LifecycleState) error {
	return errors.WithContext(
		errors.Newf(errors.CodeConflict, "cannot %s in state %s", op, state),
		"state", string(state),
	)
}

// Package auth は管理者ログインとセッション検証を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/metasqueeze/internal/config"
)

const (
	SessionCookieName    = "ms_session"
	sessionKeyID         = "sid"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	CSRFHeader = "X-CSRF-Token"

	// ContextUserKey はログイン済みユーザー名を gin.Context に載せるキーです。
	ContextUserKey = "auth.user"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Revocations はログアウト済みセッションの記録先です。
type Revocations interface {
	Add(ctx context.Context, sessionID string) error
	Contains(ctx context.Context, sessionID string) (bool, error)
}

// Manager は管理者認証の状態をまとめた構造体です。
type Manager struct {
	cfg         *config.Config
	revocations Revocations
	limiter     *loginLimiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewManager は認証マネージャーを作成します。revocations が nil の場合、
// ログアウトはクッキーの破棄だけになります。
func NewManager(cfg *config.Config, revocations Revocations, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		revocations: revocations,
		limiter:     newLoginLimiter(loginWindow, lockDuration, maxLoginAttempts),
		logger:      logger.Named("auth"),
		now:         time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// Login は /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください")
		return
	}
	if err := m.ensureCredentials(); err != nil {
		abort(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION", err.Error())
		return
	}

	ip := c.ClientIP()
	if wait := m.limiter.lockedFor(ip); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		abort(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Username), []byte(m.cfg.AppUsername)) != 1 || !m.verifyPassword(req.Password) {
		remaining := m.limiter.fail(ip)
		m.logger.Warn("login failed", zap.String("ip", ip), zap.Int("remaining", remaining))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}
	m.limiter.reset(ip)

	token, err := generateToken()
	if err != nil {
		abort(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました")
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Clear()
	session.Set(sessionKeyID, uuid.NewString())
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		abort(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました")
		return
	}

	m.logger.Info("login succeeded", zap.String("ip", ip))
	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /api/auth/logout のハンドラーです。セッション ID を失効済みとして記録します。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	if sid, _ := session.Get(sessionKeyID).(string); sid != "" && m.revocations != nil {
		if err := m.revocations.Add(c.Request.Context(), sid); err != nil {
			m.logger.Error("failed to revoke session", zap.Error(err))
			abort(c, http.StatusInternalServerError, "SESSION_REVOKE_FAILED", "セッションの失効に失敗しました")
			return
		}
	}
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		abort(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました")
		return
	}
	c.Status(http.StatusNoContent)
}

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, _ := session.Get(sessionKeyUser).(string)
		sid, _ := session.Get(sessionKeyID).(string)
		if user == "" || sid == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です")
			return
		}

		if m.revocations != nil {
			revoked, err := m.revocations.Contains(c.Request.Context(), sid)
			if err != nil {
				m.logger.Error("failed to check session revocation", zap.Error(err))
				abort(c, http.StatusServiceUnavailable, "SESSION_CHECK_FAILED", "セッションを確認できませんでした")
				return
			}
			if revoked {
				m.expire(c, "SESSION_REVOKED", "ログアウト済みのセッションです")
				return
			}
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			m.expire(c, "SESSION_EXPIRED", "セッションの有効期限が切れました")
			return
		}
		lastActive := readUnix(session.Get(sessionKeyLastActive))
		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			m.expire(c, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください")
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			m.logger.Warn("failed to refresh session", zap.Error(err))
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

func (m *Manager) expire(c *gin.Context, code, message string) {
	session := sessions.Default(c)
	session.Clear()
	_ = session.Save()
	abort(c, http.StatusUnauthorized, code, message)
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		expected, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
		if expected == "" {
			abort(c, http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません")
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(CSRFHeader))) != 1 {
			abort(c, http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません")
			return
		}
		c.Next()
	}
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

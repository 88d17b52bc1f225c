// Package auth は単一ユーザーのセッション認証を提供します。
// APP_USERNAME などが未設定の場合、APIは認証なしで公開されます。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName  = "px_session"
	sessionKeyUser     = "auth_user"
	sessionKeyIssuedAt = "issued_at"
	sessionKeyActive   = "last_activity"
	sessionKeyCSRF     = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	sessionLifetime  = 12 * time.Hour
	idleTimeout      = 30 * time.Minute
	failureWindow    = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

// Manager はログイン状態とIPごとの試行回数を管理します。
type Manager struct {
	username     string
	passwordHash string

	mu       sync.Mutex
	failures map[string]*failureState
}

type failureState struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(username, passwordHash string) *Manager {
	return &Manager{
		username:     username,
		passwordHash: passwordHash,
		failures:     make(map[string]*failureState),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください。",
		})
		return
	}

	ip := c.ClientIP()
	if wait := m.lockedFor(ip); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください。",
		})
		return
	}

	if req.Username != m.username ||
		bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(req.Password)) != nil {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません。",
			"remainingAttempts": remaining,
		})
		return
	}

	m.mu.Lock()
	delete(m.failures, ip)
	m.mu.Unlock()

	token, err := newToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRFトークンの生成に失敗しました。",
		})
		return
	}

	session := sessions.Default(c)
	now := time.Now().Unix()
	session.Set(sessionKeyUser, m.username)
	session.Set(sessionKeyIssuedAt, now)
	session.Set(sessionKeyActive, now)
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました。",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました。",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// RequireLogin はセッションの有効性を検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です。",
			})
			return
		}

		now := time.Now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyActive))

		expired := issuedAt.IsZero() || now.Sub(issuedAt) > sessionLifetime
		idle := lastActive.IsZero() || now.Sub(lastActive) > idleTimeout
		if expired || idle {
			session.Clear()
			_ = session.Save()
			code, message := "SESSION_EXPIRED", "セッションの有効期限が切れました。"
			if !expired {
				code, message = "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください。"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    code,
				"message": message,
			})
			return
		}

		session.Set(sessionKeyActive, now.Unix())
		_ = session.Save()
		c.Next()
	}
}

// VerifyCSRF は状態変更系メソッドで X-CSRF-Token を検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRFトークンが設定されていません。",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(csrfHeader))) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRFトークンが一致しません。",
			})
			return
		}
		c.Next()
	}
}

func (m *Manager) lockedFor(ip string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.failures[ip]
	if !ok || time.Now().After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	state, ok := m.failures[ip]
	if !ok || now.Sub(state.windowStart) > failureWindow {
		state = &failureState{windowStart: now}
		m.failures[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.count = maxLoginAttempts
		state.lockedUntil = now.Add(lockDuration)
	}
	return maxLoginAttempts - state.count
}

func newToken() (string, error) {
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

package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Credentials はBasic認証に使う資格情報です。PasswordHash は
// bcrypt ハッシュを想定します。
type Credentials struct {
	Username     string
	PasswordHash string
}

// Configured は資格情報が設定済みかどうかを返します。
// 未設定の場合、ミドルウェアは認証を行いません（ローカル開発用）。
func (c Credentials) Configured() bool {
	return c.Username != "" && c.PasswordHash != ""
}

// BasicAuth はHTTP Basic認証を行うミドルウェアを返します。
// ユーザー名は定数時間比較、パスワードは bcrypt で照合します。
func BasicAuth(creds Credentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !creds.Configured() {
			c.Next()
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok || !verify(creds, username, password) {
			c.Header("WWW-Authenticate", `Basic realm="exam-forge", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "認証に失敗しました。",
			})
			return
		}

		c.Next()
	}
}

func verify(creds Credentials, username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。通知の確認者として記録される。
	UserID string `json:"user_id"`
	// Name は画面表示用のユーザー名。
	Name string `json:"name,omitempty"`
}

const (
	// tokenIssuer はこのサービスが発行するトークンのissuer。
	tokenIssuer = "andon"
	// tokenQueryKey はヘッダーを付けられないブラウザのwebsocket接続用のクエリパラメータ。
	tokenQueryKey = "token"

	contextKeyUserID = "user_id"
	contextKeyName   = "name"
)

// GenerateJWT はユーザー情報から有効期限ttlのJWTトークンを生成する。
func GenerateJWT(secret, userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
		UserID: userID,
		Name:   name,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンはAuthorizationヘッダーのBearer形式、なければ token クエリパラメータから読む。
// 検証に成功した場合、コンテキストに "user_id" と "name" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(_ *jwt.Token) (any, error) { return []byte(secret), nil }

	return func(c *gin.Context) {
		tokenString, msg := extractToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyName, claims.Name)
		c.Next()
	}
}

// extractToken はリクエストからトークンを取り出す。失敗時は利用者向けのメッセージを返す。
func extractToken(c *gin.Context) (string, string) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return "", "Bearer トークン形式が不正です"
		}
		return token, ""
	}
	if token := c.Query(tokenQueryKey); token != "" {
		return token, ""
	}
	return "", "認証トークンが必要です"
}

// GetUserID はGinコンテキストからユーザーIDを取得する。認証していない場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

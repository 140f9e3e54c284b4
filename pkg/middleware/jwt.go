package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role はトークン所有者の種別。
type Role string

const (
	// RoleUser は通知を受け取るエンドユーザー。
	RoleUser Role = "user"
	// RoleService は通知を送信する他サービスや、Fan-outイベントを転送する別のサーバープロセス。
	RoleService Role = "service"
)

// issuer はトークンの発行者名。
const issuer = "livenotify"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID はトークン所有者の識別子。サービストークンの場合は発行元のインスタンスID。
	UserID string `json:"user_id"`
	// Role はトークン所有者の種別。
	Role Role `json:"role"`
}

// gin.Contextに格納するキー。
const (
	contextKeyUserID = "user_id"
	contextKeyRole   = "role"
)

// GenerateJWT はユーザー用のJWTトークンを生成する。
func GenerateJWT(secret, userID string, ttl time.Duration) (string, error) {
	return sign(secret, userID, RoleUser, ttl)
}

// GenerateServiceToken はサービス間通信用のJWTトークンを生成する。
// subjectには発行元サービスまたはインスタンスの識別子を指定する。
func GenerateServiceToken(secret, subject string, ttl time.Duration) (string, error) {
	return sign(secret, subject, RoleService, ttl)
}

// sign はクレームを組み立ててHS256で署名する。
func sign(secret, subject string, role Role, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("トークンの対象者が空です")
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID: subject,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseToken はトークン文字列を検証してクレームを返す。
// 署名アルゴリズムはHS256のみ受け付ける。
func ParseToken(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("トークンが無効です")
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireService はサービストークンを持つリクエストのみ通すGinミドルウェアを返す。
// JWTAuthミドルウェアの後に適用する。
func RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != RoleService {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "サービストークンが必要です",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRole はGinコンテキストからトークン所有者の種別を取得する。
func GetRole(c *gin.Context) Role {
	role, _ := c.Get(contextKeyRole)
	if r, ok := role.(Role); ok {
		return r
	}
	return ""
}

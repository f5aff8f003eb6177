package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const userKey = "user"

// Claims 由外部认证服务签发，本服务只做校验。
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken 按外部认证服务的格式签发 token，供本地开发与测试使用。
func GenerateAccessToken(user models.User, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != 0 {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// TokenFromRequest 依次读取 Authorization 头与 token 查询参数（浏览器 websocket 无法设置请求头）。
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// ErrUsernameTaken 表示 token 中的用户名已绑定到另一个 uid。
var ErrUsernameTaken = errors.New("username already belongs to another user")

// ResolveUser 找到 token 对应的本地用户资料，首次出现时按 claims 建档。
// 用户名在本地唯一，被其他 uid 占用时返回 ErrUsernameTaken。
func ResolveUser(db *gorm.DB, claims *Claims) (models.User, error) {
	var user models.User
	err := db.Where(models.User{ID: claims.UserID}).
		Attrs(models.User{Username: claims.Username, Email: claims.Email}).
		FirstOrCreate(&user).Error
	if err == nil {
		return user, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || usernameTaken(db, claims) {
		return models.User{}, ErrUsernameTaken
	}
	return models.User{}, err
}

func usernameTaken(db *gorm.DB, claims *Claims) bool {
	var n int64
	err := db.Model(&models.User{}).
		Where("username = ? AND id <> ?", claims.Username, claims.UserID).
		Count(&n).Error
	return err == nil && n > 0
}

func AuthMiddleware(secret string, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := TokenFromRequest(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseAccessToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := ResolveUser(db, claims)
		if errors.Is(err, ErrUsernameTaken) {
			log.Warn().Uint("user_id", claims.UserID).Str("username", claims.Username).Msg("username conflict")
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": ErrUsernameTaken.Error()})
			return
		}
		if err != nil {
			log.Warn().Err(err).Uint("user_id", claims.UserID).Msg("resolve user")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func GetUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return models.User{}, false
	}
	user, ok := v.(models.User)
	return user, ok
}

package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/history"
)

const (
	cookieName          = "printd_auth"
	settingKeyJWTSecret = "jwt_secret"
)

type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Groups   []string `json:"groups,omitempty"`
}

// Auth issues and validates the bearer tokens that carry the username
// and group claims the dispatcher authorizes against.
type Auth struct {
	store         *history.Store
	secret        []byte
	adminGroup    string
	tokenDuration time.Duration
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type SetupRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

func NewAuth(store *history.Store, adminGroup string, tokenDuration time.Duration) (*Auth, error) {
	a := &Auth{
		store:         store,
		adminGroup:    adminGroup,
		tokenDuration: tokenDuration,
	}

	secret, err := a.getOrCreateSecret()
	if err != nil {
		return nil, err
	}
	a.secret = secret
	return a, nil
}

func (a *Auth) getOrCreateSecret() ([]byte, error) {
	ctx := context.Background()
	value, err := a.store.GetSetting(ctx, settingKeyJWTSecret)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, err
			}
			if err := a.store.SetSetting(ctx, settingKeyJWTSecret, hex.EncodeToString(secret)); err != nil {
				return nil, err
			}
			return secret, nil
		}
		return nil, err
	}
	return hex.DecodeString(value)
}

func (a *Auth) isSetupRequired() bool {
	n, err := a.store.CountUsers(context.Background())
	return err == nil && n == 0
}

func (a *Auth) generateToken(username string, groups []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDuration)),
			Issuer:    "printd",
			Subject:   username,
		},
		Username: username,
		Groups:   groups,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *Auth) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (a *Auth) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := a.store.GetUser(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := a.generateToken(user.Username, user.Groups)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.SetCookie(cookieName, token, int(a.tokenDuration.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// SetupHandler bootstraps the first account, which becomes an
// administrator. It refuses to run once any user exists.
func (a *Auth) SetupHandler(c *gin.Context) {
	if !a.isSetupRequired() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "setup already completed"})
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request, password must be at least 6 characters"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	user := &history.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Groups:       []string{a.adminGroup},
	}
	if err := a.store.PutUser(c.Request.Context(), user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save user"})
		return
	}

	token, err := a.generateToken(user.Username, user.Groups)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.SetCookie(cookieName, token, int(a.tokenDuration.Seconds()), "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("username", claims.Username)
		c.Set("groups", claims.Groups)
		c.Next()
	}
}

// requester builds the dispatcher identity from the validated claims.
func requester(c *gin.Context) dispatch.Requester {
	req := dispatch.Requester{User: c.GetString("username")}
	if groups, ok := c.Get("groups"); ok {
		if gs, ok := groups.([]string); ok {
			req.Groups = gs
		}
	}
	return req
}

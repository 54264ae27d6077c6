package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"go-tcfprep/authz"
	"go-tcfprep/errs"
	"go-tcfprep/web/db"
)

const userKey = "user"

type Auth struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
}

func NewAuth(conn *gorm.DB, secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Auth{db: conn, secret: []byte(secret), ttl: ttl}
}

// IssueToken signs an HS256 token for the user.
func (a *Auth) IssueToken(user db.User) (string, time.Time, error) {
	exp := time.Now().Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatUint(uint64(user.ID), 10),
		"role": user.Role,
		"exp":  exp.Unix(),
	})
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, exp, nil
}

func (a *Auth) parse(tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid subject %q", sub)
	}
	return uint(id), nil
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	if cookie, err := c.Cookie("Authorization"); err == nil {
		return cookie
	}
	return ""
}

// RequireAuth loads the user named by the bearer token into the context.
func (a *Auth) RequireAuth(c *gin.Context) {
	tokenString := bearer(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	id, err := a.parse(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	var user db.User
	if err := a.db.WithContext(c.Request.Context()).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errs.Message(err)})
		return
	}

	c.Set(userKey, user)
	c.Next()
}

// RequirePermission stops requests whose user may not perform action. Use
// it for actions that do not depend on a particular resource.
func RequirePermission(action authz.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authz.Authorize(CurrentUser(c), action, authz.Resource{}); err != nil {
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil.
func CurrentUser(c *gin.Context) *db.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, ok := v.(db.User)
	if !ok {
		return nil
	}
	return &u
}

// SetUser stores user in the context as RequireAuth does.
func SetUser(c *gin.Context, user db.User) {
	c.Set(userKey, user)
}

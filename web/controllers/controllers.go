package controllers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"go-tcfprep/catalog"
	"go-tcfprep/credit"
	"go-tcfprep/errs"
	"go-tcfprep/payment/events"
	"go-tcfprep/payment/order"
	"go-tcfprep/utils"
	"go-tcfprep/web/db"
	"go-tcfprep/web/middleware"
)

const minPasswordLength = 8

// Handler serves the REST API.
type Handler struct {
	DB      *gorm.DB
	Auth    *middleware.Auth
	Catalog *catalog.Catalog
	Credits *credit.Ledger
	Orders  *order.Ledger
	Events  *events.Adapter
	Logger  *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return utils.DiscardLogger()
	}
	return h.Logger
}

// fail writes err as a JSON error body with its mapped status.
func (h *Handler) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "path", c.FullPath(), "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": errs.Message(err)})
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
}

// bindOptional binds a JSON body whose fields all have defaults. An empty
// body is accepted; a malformed one is answered with 400 and false.
func bindOptional(c *gin.Context, body any) bool {
	if err := c.ShouldBindJSON(body); err != nil && !errors.Is(err, io.EOF) {
		badBody(c)
		return false
	}
	return true
}

func paramID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, errs.Invalid(name, "must be a positive integer")
	}
	return uint(id), nil
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func hashPassword(pw string) (string, error) {
	if len(pw) < minPasswordLength {
		return "", errs.Invalid("password", "must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type signupBody struct {
	Username         string `json:"username"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Phone            string `json:"phone"`
	SubscriptionPlan string `json:"subscription_plan"`
}

// newUser validates body and inserts the account. The chosen plan is stored
// with payment status pending; credits only arrive with a paid order.
func (h *Handler) newUser(c *gin.Context, body signupBody, role string, createdBy *uint) (db.User, error) {
	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.ToLower(strings.TrimSpace(body.Email))
	if body.Username == "" {
		return db.User{}, errs.Invalid("username", "is required")
	}
	if !strings.Contains(body.Email, "@") {
		return db.User{}, errs.Invalid("email", "is invalid")
	}
	hash, err := hashPassword(body.Password)
	if err != nil {
		return db.User{}, err
	}

	plan := ""
	if body.SubscriptionPlan != "" {
		pack, err := h.Catalog.Lookup(c.Request.Context(), body.SubscriptionPlan)
		if err != nil {
			return db.User{}, err
		}
		plan = pack.PackID
	}

	user := db.User{
		Username:         body.Username,
		Email:            body.Email,
		Password:         hash,
		FirstName:        strings.TrimSpace(body.FirstName),
		LastName:         strings.TrimSpace(body.LastName),
		Phone:            strings.TrimSpace(body.Phone),
		Role:             role,
		CreatedBy:        createdBy,
		SubscriptionPlan: plan,
		PaymentStatus:    db.PaymentPending,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return db.User{}, errs.Invalid("username", "username or email already in use")
		}
		return db.User{}, err
	}
	return user, nil
}

func (h *Handler) Signup(c *gin.Context) {
	var body signupBody
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	user, err := h.newUser(c, body, db.RoleClient, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	token, exp, err := h.Auth.IssueToken(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger().Info("user signed up", "user_id", user.ID, "plan_id", user.SubscriptionPlan)
	c.JSON(http.StatusCreated, gin.H{"user": userView(user), "token": token, "expires_at": exp})
}

func (h *Handler) Login(c *gin.Context) {
	var body struct {
		Login    string `json:"login"`
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if c.ShouldBindJSON(&body) != nil {
		badBody(c)
		return
	}
	login := strings.TrimSpace(body.Login)
	if login == "" {
		login = strings.TrimSpace(body.Email)
	}
	if login == "" {
		login = strings.TrimSpace(body.Username)
	}

	var user db.User
	err := h.DB.WithContext(c.Request.Context()).
		Where("username = ? OR email = ?", login, strings.ToLower(login)).
		First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.fail(c, err)
		return
	}
	if user.ID == 0 || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(body.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, exp, err := h.Auth.IssueToken(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp, "user": userView(user)})
}

func (h *Handler) User(c *gin.Context) {
	user := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{"user": userView(*user)})
}

func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

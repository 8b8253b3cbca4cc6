package checkin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/internal/apiclient"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"github.com/hanssup/gateway/pkg/response"
	"go.uber.org/zap"
)

// Handler handles check-in HTTP requests
type Handler struct {
	service  *Service
	loginURL string
	logger   *zap.Logger
}

// NewHandler creates a new check-in handler. loginURL is where browsers are
// sent when the session has ended.
func NewHandler(service *Service, loginURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, loginURL: loginURL, logger: logger}
}

// CodeRequest is a typed attendance code
type CodeRequest struct {
	ClubCode string `json:"club_code" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// QRRequest is a scanned QR payload
type QRRequest struct {
	QRCode string `json:"qr_code" binding:"required"`
}

// LinkRequest is a full attendance link, as scanned or pasted
type LinkRequest struct {
	URL string `json:"url" binding:"required"`
}

// ShareRequest asks for a shareable attendance link
type ShareRequest struct {
	Code string `json:"code" binding:"required"`
	Club string `json:"club" binding:"required"`
}

// AttendToken checks in from a shared attendance link
// GET /attend/:token
func (h *Handler) AttendToken(c *gin.Context) {
	result, err := h.service.CheckInToken(c.Request.Context(), c.Param("token"))
	h.respond(c, result, err)
}

// AttendQuery checks in from a link carrying code and club as query parameters
// GET /attend?code=CODE&club=CLUB
func (h *Handler) AttendQuery(c *gin.Context) {
	result, err := h.service.CheckIn(c.Request.Context(), c.Query("code"), c.Query("club"))
	h.respond(c, result, err)
}

// AttendCode checks in with a typed code
// POST /attend/code
func (h *Handler) AttendCode(c *gin.Context) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	result, err := h.service.CheckIn(c.Request.Context(), req.Code, req.ClubCode)
	h.respond(c, result, err)
}

// AttendQR checks in with a scanned QR payload
// POST /attend/qr
func (h *Handler) AttendQR(c *gin.Context) {
	var req QRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if !IsQR(req.QRCode) {
		response.ValidationError(c, "qr_code must have the form CLUB:CODE")
		return
	}

	result, err := h.service.CheckIn(c.Request.Context(), req.QRCode, "")
	h.respond(c, result, err)
}

// AttendLink checks in from a full attendance link
// POST /attend/link
func (h *Handler) AttendLink(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	result, err := h.service.CheckInLink(c.Request.Context(), req.URL)
	h.respond(c, result, err)
}

// Share creates a shareable attendance link
// POST /share
func (h *Handler) Share(c *gin.Context) {
	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	share, err := h.service.Share(req.Code, req.Club)
	if err != nil {
		response.Error(c, apiclient.AppError(err))
		return
	}

	response.Success(c, http.StatusOK, share)
}

func (h *Handler) respond(c *gin.Context, result *Result, err error) {
	if err == nil {
		response.Success(c, http.StatusOK, result)
		return
	}

	if errors.Is(err, apiclient.ErrSessionEnded) {
		h.loginRequired(c)
		return
	}

	appErr := apiclient.AppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("check-in request failed", zap.Error(err))
	}
	response.Error(c, appErr)
}

// loginRequired sends browsers to the login page and tells API clients where it is
func (h *Handler) loginRequired(c *gin.Context) {
	if c.Request.Method == http.MethodGet && !wantsJSON(c) {
		c.Redirect(http.StatusSeeOther, h.loginURL)
		return
	}

	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    apperrors.ErrSessionEnded.Code,
			"message": apperrors.ErrSessionEnded.Message,
		},
		"login_url": h.loginURL,
	})
}

func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), gin.MIMEJSON)
}

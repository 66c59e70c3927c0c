package handlers

import (
	"encoding/base64"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/offlinekyc/internal/ekyc/crossvalidate"
	"github.com/charlesng35/offlinekyc/internal/ekyc/qr"
	"github.com/charlesng35/offlinekyc/internal/middleware"
	"github.com/charlesng35/offlinekyc/internal/models"
	"github.com/charlesng35/offlinekyc/internal/services"
	"github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/logger"
	"github.com/charlesng35/offlinekyc/pkg/response"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// VerificationHandler exposes the verification engine and the owner-scoped record queries.
type VerificationHandler struct {
	engine *services.VerificationService
	query  *services.VerificationQueryService
	log    *zap.Logger
}

// NewVerificationHandler constructs a VerificationHandler.
func NewVerificationHandler(engine *services.VerificationService, query *services.VerificationQueryService) *VerificationHandler {
	return &VerificationHandler{
		engine: engine,
		query:  query,
		log:    logger.WithModule("http.verification"),
	}
}

type profileFields struct {
	Name        string `form:"name" json:"name" validate:"omitempty,max=256"`
	DateOfBirth string `form:"date_of_birth" json:"date_of_birth" validate:"omitempty,max=32"`
	Gender      string `form:"gender" json:"gender" validate:"omitempty,max=16"`
}

type contactFields struct {
	Mobile string `form:"mobile" json:"mobile" validate:"omitempty,max=20"`
	Email  string `form:"email" json:"email" validate:"omitempty,email,max=254"`
}

func (p profileFields) profile(contacts contactFields) crossvalidate.Profile {
	return crossvalidate.Profile{
		Name:        strings.TrimSpace(p.Name),
		DateOfBirth: strings.TrimSpace(p.DateOfBirth),
		Gender:      strings.TrimSpace(p.Gender),
		Phone:       strings.TrimSpace(contacts.Mobile),
		Email:       strings.TrimSpace(contacts.Email),
	}
}

func (c contactFields) contacts() services.Contacts {
	return services.Contacts{
		Mobile: strings.TrimSpace(c.Mobile),
		Email:  strings.TrimSpace(c.Email),
	}
}

type verifyArchiveRequest struct {
	ShareCode string `form:"share_code" validate:"required,sharecode"`
	contactFields
	profileFields
}

type verifyXMLRequest struct {
	XMLBase64 string `json:"xml_base64" validate:"required"`
	ShareCode string `json:"share_code" validate:"omitempty,sharecode"`
	contactFields
	profileFields
}

type verifyQRRequest struct {
	profileFields
}

type validateNumberRequest struct {
	Number string `json:"number" validate:"required,max=32"`
}

// POST /api/ekyc/verify/archive
func (h *VerificationHandler) VerifyArchive(c *gin.Context) {
	var req verifyArchiveRequest
	if !bindFormAndValidate(c, &req) {
		return
	}

	archive, ok := readUpload(c, "file")
	if !ok {
		return
	}

	result, err := h.engine.VerifyArchive(requestContext(c), services.ArchiveInput{
		Caller:    callerFrom(c),
		Archive:   archive,
		ShareCode: req.ShareCode,
		Contacts:  req.contacts(),
		Profile:   req.profile(req.contactFields),
	})
	h.respond(c, result, err)
}

// POST /api/ekyc/verify/xml
func (h *VerificationHandler) VerifyXML(c *gin.Context) {
	var req verifyXMLRequest
	if !bindAndValidate(c, &req) {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.XMLBase64))
	if err != nil {
		response.Error(c, errors.NewBadRequest("xml base64 must be valid base64"))
		return
	}

	result, err := h.engine.VerifyXML(requestContext(c), services.XMLInput{
		Caller:    callerFrom(c),
		XML:       raw,
		ShareCode: req.ShareCode,
		Contacts:  req.contacts(),
		Profile:   req.profile(req.contactFields),
	})
	h.respond(c, result, err)
}

// POST /api/ekyc/verify/qr
func (h *VerificationHandler) VerifyQR(c *gin.Context) {
	var req verifyQRRequest
	if !bindFormAndValidate(c, &req) {
		return
	}

	image, ok := readUpload(c, "image")
	if !ok {
		return
	}

	result, err := h.engine.VerifyQR(requestContext(c), services.QRInput{
		Caller:  callerFrom(c),
		Image:   image,
		Profile: req.profile(contactFields{}),
	})
	h.respond(c, result, err)
}

// POST /api/ekyc/validate/number
func (h *VerificationHandler) ValidateNumber(c *gin.Context) {
	var req validateNumberRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.engine.ValidateNumber(requestContext(c), services.NumberInput{
		Caller: callerFrom(c),
		Number: req.Number,
	})
	h.respond(c, result, err)
}

// GET /api/ekyc/verifications
func (h *VerificationHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	if page <= 0 {
		page = 1
	}
	perPage := parseIntQuery(c, "per_page", defaultPerPage)
	if perPage <= 0 || perPage > maxPerPage {
		perPage = defaultPerPage
	}

	filters := services.VerificationFilters{
		Kind:   models.VerificationKind(strings.ToUpper(strings.TrimSpace(c.Query("kind")))),
		Status: models.VerificationStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filters.Since = &t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, err := time.Parse(time.RFC3339, u); err == nil {
			filters.Until = &t
		}
	}

	records, total, err := h.query.List(requestContext(c), middleware.SubjectID(c), services.VerificationListOptions{
		Page:     page,
		PageSize: perPage,
		Filters:  filters,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, records, &response.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      int(total),
		TotalPages: int((total + int64(perPage) - 1) / int64(perPage)),
	})
}

// GET /api/ekyc/verifications/:id
func (h *VerificationHandler) Get(c *gin.Context) {
	record, err := h.query.Get(requestContext(c), middleware.SubjectID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}

// GET /api/ekyc/verifications/:id/logs
func (h *VerificationHandler) Logs(c *gin.Context) {
	logs, err := h.query.Logs(requestContext(c), middleware.SubjectID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, logs)
}

// GET /api/ekyc/verifications/:id/demographics
func (h *VerificationHandler) Demographics(c *gin.Context) {
	rec, err := h.query.Demographics(requestContext(c), middleware.SubjectID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rec)
}

// GET /api/ekyc/verifications/:id/receipt.png
func (h *VerificationHandler) Receipt(c *gin.Context) {
	record, err := h.query.Get(requestContext(c), middleware.SubjectID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !record.Status.Terminal() {
		response.Error(c, errors.NewBadRequest("verification has not finished"))
		return
	}

	png, err := qr.EncodeReceipt(qr.ReceiptContent(record.VerificationID, record.MaskedIdentifier, string(record.Status)))
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}
	response.Image(c, "image/png", png)
}

// respond renders an engine outcome. Failed verifications carry the public error plus the record
// verdicts as details.
func (h *VerificationHandler) respond(c *gin.Context, result *services.Result, err error) {
	if err != nil {
		appErr := errors.FromError(err)
		if appErr.StatusCode >= http.StatusInternalServerError {
			h.log.Error("verification request failed", zap.Error(err))
		}
		response.Error(c, appErr)
		return
	}

	if !result.Success {
		details := *result
		details.Error = nil
		response.ErrorWithDetails(c, result.Error, details)
		return
	}

	response.Success(c, http.StatusOK, result)
}

func callerFrom(c *gin.Context) services.Caller {
	return services.Caller{
		SubjectID: middleware.SubjectID(c),
		Provenance: services.Provenance{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	}
}

// readUpload returns the bytes of the named multipart file, writing an error response when it is missing.
func readUpload(c *gin.Context, field string) ([]byte, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		if isBodyTooLarge(err) {
			response.Error(c, errors.ErrPayloadTooLarge)
			return nil, false
		}
		response.Error(c, errors.NewBadRequest(field+" is required"))
		return nil, false
	}

	data, err := readFileHeader(header)
	if err != nil {
		response.Error(c, errors.NewBadRequest("unable to read "+field))
		return nil, false
	}
	return data, true
}

func readFileHeader(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr)
}

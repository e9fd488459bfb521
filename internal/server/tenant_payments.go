package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	proofFormField    = "proof"
	maxProofSizeBytes = 10 << 20
)

var allowedProofExtensions = map[string]struct{}{
	".pdf":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

func (s *Server) GetTenantSubscription(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	sub, err := s.subscriptionSvc.GetCurrent(c.Request.Context(), tenant.ID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListTenantPayments(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	page, err := parsePagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), paymentdomain.ListRequest{
		Pagination: page,
		Status:     paymentdomain.Status(strings.TrimSpace(c.Query("status"))),
		TenantID:   tenant.ID.String(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

// SubmitPayment queues a payment for the calling tenant. Multipart requests
// may carry a proof document; JSON requests cannot.
func (s *Server) SubmitPayment(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var (
		req paymentdomain.SubmitRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req, err = s.bindMultipartSubmit(c)
	} else if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		err = invalidRequestError()
	}
	if err != nil {
		s.discardProof(c, req.ProofDocumentPath)
		AbortWithError(c, err)
		return
	}
	req.TenantID = tenant.ID.String()

	payment, err := s.paymentSvc.Submit(c.Request.Context(), req)
	if err != nil {
		s.discardProof(c, req.ProofDocumentPath)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": payment})
}

func (s *Server) CancelTenantPayment(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	payment, err := s.paymentSvc.Cancel(c.Request.Context(), c.Param("id"), tenant.ID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) bindMultipartSubmit(c *gin.Context) (paymentdomain.SubmitRequest, error) {
	req := paymentdomain.SubmitRequest{
		SubscriptionID:  strings.TrimSpace(c.PostForm("subscription_id")),
		PlanID:          strings.TrimSpace(c.PostForm("plan_id")),
		Currency:        strings.TrimSpace(c.PostForm("currency")),
		PaymentMethod:   paymentdomain.Method(strings.TrimSpace(c.PostForm("payment_method"))),
		ReferenceNumber: strings.TrimSpace(c.PostForm("reference_number")),
		Notes:           strings.TrimSpace(c.PostForm("notes")),
	}

	if raw := strings.TrimSpace(c.PostForm("amount")); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return req, newValidationError("amount", "invalid", "amount must be a decimal number")
		}
		req.Amount = amount
	}

	file, err := c.FormFile(proofFormField)
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return req, invalidRequestError()
	}

	path, err := s.storeProof(file)
	if err != nil {
		return req, err
	}
	req.ProofDocumentPath = path
	return req, nil
}

func (s *Server) storeProof(file *multipart.FileHeader) (string, error) {
	if file.Size <= 0 || file.Size > maxProofSizeBytes {
		return "", ErrInvalidProof
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if _, ok := allowedProofExtensions[ext]; !ok {
		return "", ErrInvalidProof
	}

	dir := strings.TrimSpace(s.cfg.Storage.PaymentProofDir)
	if dir == "" {
		return "", ErrServiceUnavailable
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create proof dir: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return "", ErrInvalidProof
	}
	defer src.Close()

	dst := filepath.Join(dir, uuid.NewString()+ext)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create proof file: %w", err)
	}
	if _, err := io.Copy(out, io.LimitReader(src, maxProofSizeBytes)); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("write proof file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("close proof file: %w", err)
	}
	return dst, nil
}

func (s *Server) discardProof(c *gin.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.FromContext(c.Request.Context()).Warn("remove orphaned payment proof failed", zap.Error(err))
	}
}

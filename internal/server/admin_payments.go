package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	pdfContentType  = "application/pdf"
)

type approvePaymentRequest struct {
	Notes string `json:"notes"`
}

type rejectPaymentRequest struct {
	Reason string `json:"reason"`
}

type gatewayResultRequest struct {
	TransactionID string `json:"transaction_id"`
	Succeeded     *bool  `json:"succeeded"`
}

func (s *Server) paymentListRequest(c *gin.Context) (paymentdomain.ListRequest, error) {
	page, err := parsePagination(c)
	if err != nil {
		return paymentdomain.ListRequest{}, err
	}
	return paymentdomain.ListRequest{
		Pagination: page,
		Status:     paymentdomain.Status(strings.TrimSpace(c.Query("status"))),
		TenantID:   strings.TrimSpace(c.Query("tenant_id")),
	}, nil
}

func (s *Server) ListPayments(c *gin.Context) {
	req, err := s.paymentListRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

func (s *Server) GetPayment(c *gin.Context) {
	payment, err := s.paymentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) PaymentStatistics(c *gin.Context) {
	stats, err := s.paymentSvc.Statistics(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// ExportPayments buffers the workbook so a failed export still returns a
// JSON error instead of a truncated file.
func (s *Server) ExportPayments(c *gin.Context) {
	req, err := s.paymentListRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := s.paymentSvc.ExportXLSX(c.Request.Context(), req, &buf); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="payments.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (s *Server) ApprovePayment(c *gin.Context) {
	var req approvePaymentRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Approve(c.Request.Context(), c.Param("id"), actorName(c), req.Notes)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RejectPayment(c *gin.Context) {
	var req rejectPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RecordGatewayResult(c *gin.Context) {
	var req gatewayResultRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Succeeded == nil {
		AbortWithError(c, newValidationError("succeeded", "required", "succeeded is required"))
		return
	}

	payment, err := s.paymentSvc.RecordGatewayResult(c.Request.Context(), c.Param("id"), req.TransactionID, *req.Succeeded)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) GenerateInvoice(c *gin.Context) {
	payment, err := s.invoiceSvc.GenerateInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) DownloadInvoicePDF(c *gin.Context) {
	payment, err := s.paymentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.invoiceSvc.RenderPDF(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	name := "invoice.pdf"
	if payment.InvoiceNumber != nil {
		name = *payment.InvoiceNumber + ".pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, pdfContentType, body)
}

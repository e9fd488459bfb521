package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
)

type startTrialRequest struct {
	PlanID string `json:"plan_id"`
}

type manualSubscriptionRequest struct {
	PlanID        string               `json:"plan_id"`
	PaymentMethod paymentdomain.Method `json:"payment_method"`
}

type activateSubscriptionRequest struct {
	PaymentID string `json:"payment_id"`
}

type cancelSubscriptionRequest struct {
	Reason      string `json:"reason"`
	AtPeriodEnd bool   `json:"at_period_end"`
}

func (s *Server) ListTenantSubscriptions(c *gin.Context) {
	subs, err := s.subscriptionSvc.ListByTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subs})
}

func (s *Server) StartTrial(c *gin.Context) {
	var req startTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.StartTrial(c.Request.Context(), c.Param("id"), req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) CreateManualSubscription(c *gin.Context) {
	var req manualSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.CreateManual(c.Request.Context(), c.Param("id"), req.PlanID, req.PaymentMethod)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) ActivateSubscription(c *gin.Context) {
	var req activateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.Activate(c.Request.Context(), c.Param("id"), req.PaymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.AtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

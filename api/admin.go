package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/internal/apierror"
)

// Health reports 200 when healthy and 503 when degraded, with the report as body.
func (a Api) Health(c *gin.Context) {
	report := a.relay.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status != relay.HealthStatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (a Api) GetCircuitBreaker(c *gin.Context) {
	state, err := a.relay.BreakerState(c.Request.Context(), c.Param("service"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ResetCircuitBreaker force-closes a breaker, e.g. after the downstream was repaired.
func (a Api) ResetCircuitBreaker(c *gin.Context) {
	state, err := a.relay.ResetBreaker(c.Request.Context(), c.Param("service"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// RunJob triggers a scheduled job outside its schedule. The job still runs under its lock.
func (a Api) RunJob(c *gin.Context) {
	job := c.Param("job")
	report, err := a.relay.RunJob(c.Request.Context(), job)
	switch {
	case errors.Is(err, relay.ErrUnknownJob):
		respondWithError(c, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("job %s not found", job), err))
		return
	case errors.Is(err, relay.ErrJobAlreadyRunning):
		respondWithError(c, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("job %s is already running", job), err))
		return
	case err != nil:
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "report": report})
}

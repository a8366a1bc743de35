/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/api/middleware"
	"github.com/blnkfinance/relay/internal/apierror"
)

type Api struct {
	relay  *relay.Relay
	router *gin.Engine
}

// Router registers the terminal facing intake routes and the operator routes.
// Operator routes require the secret key when the server runs in secure mode.
func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/submissions", a.CreateSubmission)
	router.GET("/submissions/:terminal_id/:uuid", a.GetSubmission)
	router.GET("/transactions/:id", a.GetTransaction)
	router.GET("/health", a.Health)

	admin := router.Group("/")
	if a.relay.Config().Server.Secure {
		admin.Use(middleware.SecretKeyAuthMiddleware(a.relay.Config()))
	}
	admin.GET("/circuit-breakers/:service", a.GetCircuitBreaker)
	admin.POST("/circuit-breakers/:service/reset", a.ResetCircuitBreaker)
	admin.GET("/forward-records/:transaction_id", a.GetForwardRecord)
	admin.POST("/forward-records/:transaction_id/retry", a.RetryForwardRecord)
	admin.POST("/jobs/:job/run", a.RunJob)
	return a.router
}

func NewAPI(r *relay.Relay) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := r.Config()

	router := gin.Default()
	router.Use(otelgin.Middleware(conf.ProjectName))
	router.Use(middleware.RateLimitMiddleware(conf))

	router.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{relay: r, router: router}
}

// respondWithError writes err using the status its code maps to. Errors without a
// code are logged and reported as internal errors without their details.
func respondWithError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)

	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"code": apierror.ErrInternalServer, "error": http.StatusText(status)})
		return
	}
	c.JSON(status, gin.H{"code": apiErr.Code, "error": apiErr.Message})
}

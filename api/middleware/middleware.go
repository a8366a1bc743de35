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
package middleware

import (
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/apierror"
)

const (
	// SecretKeyHeader carries the operator key on admin routes.
	SecretKeyHeader = "X-Relay-Key"
	// TerminalHeader identifies the POS terminal behind a request. Terminals that send
	// it get their own rate limit bucket instead of sharing one per address.
	TerminalHeader = "X-Terminal-ID"
)

const defaultLimiterTTL = 3 * time.Hour

// RateLimitMiddleware limits requests per terminal, falling back to the client
// address for callers that do not identify a terminal.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := defaultLimiterTTL
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*conf.RateLimit.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*conf.RateLimit.Burst)
	retryAfter := strconv.Itoa(retryAfterSeconds(*conf.RateLimit.RequestsPerSecond))

	return func(c *gin.Context) {
		key := limitKey(c)
		if httpError := tollbooth.LimitByKeys(lmt, key); httpError != nil {
			logrus.WithFields(logrus.Fields{
				"limit_key": key[1],
				"path":      c.FullPath(),
			}).Warn("request rate limited")
			c.Header("Retry-After", retryAfter)
			abort(c, apierror.ErrRateLimited, httpError.Message)
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) []string {
	if terminal := c.GetHeader(TerminalHeader); terminal != "" {
		return []string{"terminal", terminal}
	}
	return []string{"addr", c.ClientIP()}
}

func retryAfterSeconds(rps float64) int {
	if rps <= 0 || rps >= 1 {
		return 1
	}
	return int(1/rps + 0.5)
}

// SecretKeyAuthMiddleware guards the operator routes. Terminals never see these routes.
func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	return func(c *gin.Context) {
		secretKey := conf.Server.SecretKey
		if secretKey == "" {
			abort(c, apierror.ErrInternalServer, "Secret key is not configured")
			return
		}

		clientSecret := c.GetHeader(SecretKeyHeader)
		if clientSecret == "" {
			abort(c, apierror.ErrUnauthorized, "Missing secret key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(secretKey), []byte(clientSecret)) != 1 {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.FullPath(),
			}).Warn("operator request with invalid secret key")
			abort(c, apierror.ErrUnauthorized, "Invalid secret key")
			return
		}

		c.Next()
	}
}

// abort ends the request with the same error body the API handlers write.
func abort(c *gin.Context, code apierror.ErrorCode, message string) {
	status := apierror.MapErrorToHTTPStatus(apierror.APIError{Code: code, Message: message})
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": message})
}

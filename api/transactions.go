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
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTransaction returns a transaction with its validation and job status.
func (a Api) GetTransaction(c *gin.Context) {
	txn, err := a.relay.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// GetForwardRecord returns the delivery record of a transaction for the configured target.
func (a Api) GetForwardRecord(c *gin.Context) {
	rec, err := a.relay.GetForwardRecord(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RetryForwardRecord makes a permanently failed forward record eligible again.
func (a Api) RetryForwardRecord(c *gin.Context) {
	rec, err := a.relay.RetryForwardRecord(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

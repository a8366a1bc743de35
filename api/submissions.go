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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

// maxSubmissionBytes bounds a single submission body.
const maxSubmissionBytes = 4 << 20

// CreateSubmission admits a batch sent by a terminal.
//
// The raw body is kept so checksums are verified over exactly what the terminal sent.
//
// Responses:
// - 201 Created: the submission was admitted for the first time.
// - 200 OK: the submission was seen before; the recorded result is returned.
// - 400 Bad Request: the body is not a structurally valid submission.
// - 409 Conflict: a transaction id was reused with a different payload.
// - 422 Unprocessable Entity: a payload checksum does not match its payload.
func (a Api) CreateSubmission(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSubmissionBytes+1))
	if err != nil {
		respondWithError(c, apierror.NewAPIError(apierror.ErrBadRequest, "failed to read request body", err))
		return
	}
	if len(body) > maxSubmissionBytes {
		respondWithError(c, apierror.NewAPIError(apierror.ErrBadRequest, "request body too large", nil))
		return
	}

	sub, err := model.ParseSubmission(body)
	if err != nil {
		respondWithError(c, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err))
		return
	}

	result, err := a.relay.Admit(c.Request.Context(), sub)
	if err != nil {
		respondWithError(c, err)
		return
	}

	if result.Replayed {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetSubmission returns the admission result recorded for a terminal's submission.
func (a Api) GetSubmission(c *gin.Context) {
	result, err := a.relay.GetAdmission(c.Request.Context(), c.Param("terminal_id"), c.Param("uuid"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

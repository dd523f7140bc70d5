// Copyright 2025 The Uciforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"net/http"

	"github.com/tombee/uciforge/internal/daemon/httputil"
	uciforgeerrors "github.com/tombee/uciforge/pkg/errors"
)

// writeAPIError maps an error from the projects layer onto an HTTP status
// and JSON body. Errors that classify themselves via pkg/errors'
// ErrorClassifier pick their own status; a NotFoundError additionally
// surfaces its UserVisibleError message and suggestion. Anything else is
// wrapped with op for context and reported as a generic 500, since its
// text has not been vetted as safe to hand to a client.
func writeAPIError(w http.ResponseWriter, op string, err error) {
	var notFound *uciforgeerrors.NotFoundError
	if uciforgeerrors.As(err, &notFound) {
		body := map[string]string{"error": notFound.UserMessage()}
		if s := notFound.Suggestion(); s != "" {
			body["suggestion"] = s
		}
		httputil.WriteJSON(w, http.StatusNotFound, body)
		return
	}

	var classifier uciforgeerrors.ErrorClassifier
	if uciforgeerrors.As(err, &classifier) {
		status := http.StatusInternalServerError
		switch classifier.ErrorType() {
		case "validation", "config":
			status = http.StatusBadRequest
		case "timeout":
			status = http.StatusGatewayTimeout
		}
		httputil.WriteError(w, status, classifier.Error())
		return
	}

	httputil.WriteError(w, http.StatusInternalServerError, uciforgeerrors.Wrap(err, op).Error())
}

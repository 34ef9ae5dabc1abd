// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// Error bodies up to this size are kept for the response log.
const sniffBytes = 1024

// responseRecorder passes everything through to the client and
// remembers the status, body size, time of the first write, and the
// beginning of any error body.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	bodyBytes int
	wroteAt   time.Time
	errorBody []byte
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
		rr.wroteAt = time.Now()
	}
	// A second call still goes through, so net/http can warn
	// about it.
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(data []byte) (int, error) {
	if rr.status == 0 {
		rr.WriteHeader(http.StatusOK)
	}
	if rr.status >= 400 && len(rr.errorBody) < sniffBytes {
		keep := data
		if room := sniffBytes - len(rr.errorBody); len(keep) > room {
			keep = keep[:room]
		}
		rr.errorBody = append(rr.errorBody, keep...)
	}
	n, err := rr.ResponseWriter.Write(data)
	rr.bodyBytes += n
	return n, err
}

// Status returns the status sent to the client. A handler that
// returned without writing anything has implicitly sent 200.
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

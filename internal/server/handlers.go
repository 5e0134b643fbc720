package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/bulkrelay/internal/connection"
	"github.com/markus-barta/bulkrelay/internal/dispatch"
	"github.com/markus-barta/bulkrelay/internal/sheet"
)

var errBadInput = errors.New("invalid request")

const maxInterval = time.Hour

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"client":  s.conn.Snapshot().Status,
	})
}

// handleQRCode reports the auth-code state. The code is only present while
// waiting for it to be scanned.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

	snap := s.conn.Snapshot()
	status := connection.QRStatus(snap)

	var code *string
	if status == connection.QRWaitingForScan && snap.AuthCode != "" {
		code = &snap.AuthCode
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "qrCode": code})
}

// handleRefresh resets the retry budget and starts a fresh initialization.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.conn.Refresh()

	var cooldown *connection.CooldownError
	switch {
	case err == nil:
		s.log.Info().Msg("manual auth-code refresh requested")
		writeJSON(w, http.StatusOK, map[string]any{"status": "refresh_initiated"})
	case errors.Is(err, connection.ErrInitializing):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "refresh_in_progress"})
	case errors.As(err, &cooldown):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "Please wait before refreshing again",
			"waitTime": cooldown.WaitSeconds(),
		})
	default:
		s.log.Error().Err(err).Msg("refresh failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to refresh QR code",
			"message": err.Error(),
		})
	}
}

// handleSignout logs the client out and schedules re-initialization.
func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Signout(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("sign out failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Sign out failed",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "signed_out"})
}

// handleSendMessages runs one batch and answers with its summary.
// The batch is bound to the server's lifetime, not the request's, so a
// client that goes away does not cut delivery short.
func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	req, err := s.readSendRequest(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid recipients data",
			"message": err.Error(),
		})
		return
	}

	res, err := s.engine.Dispatch(s.ctx, req)
	if err != nil {
		s.writeDispatchError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, res *dispatch.Result, err error) {
	var invalid *dispatch.ValidationError
	switch {
	case errors.Is(err, dispatch.ErrNoRecipients):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "No file or recipients data uploaded."})
	case errors.Is(err, dispatch.ErrNoTemplate):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Message content is required."})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":          "No valid phone numbers found",
			"invalidNumbers": invalid.Invalid,
		})
	case errors.Is(err, connection.ErrClientNotReady):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "Client not ready",
			"message": err.Error(),
		})
	case errors.Is(err, dispatch.ErrInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "A batch is already being sent",
			"message": err.Error(),
		})
	default:
		s.log.Error().Err(err).Msg("send messages failed")
		body := map[string]any{
			"error":   "Failed to send messages",
			"message": err.Error(),
		}
		if res != nil {
			body["summary"] = res.Summary
		}
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

// readSendRequest accepts multipart (file or field), urlencoded and JSON bodies.
func (s *Server) readSendRequest(w http.ResponseWriter, r *http.Request) (dispatch.Request, error) {
	var (
		req      dispatch.Request
		interval string
		err      error
	)
	maxBytes := int64(s.cfg.MaxUploadMB) << 20

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body struct {
			Recipients json.RawMessage `json:"recipients"`
			Message    string          `json:"message"`
			Interval   json.RawMessage `json:"interval"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBytes)).Decode(&body); err != nil {
			return req, fmt.Errorf("%w: decode body: %v", errBadInput, err)
		}
		req.Template = body.Message
		interval = strings.Trim(string(body.Interval), `"`)
		if len(body.Recipients) > 0 && string(body.Recipients) != "null" {
			if req.Rows, err = sheet.FromJSON(body.Recipients); err != nil {
				return req, err
			}
		}

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return req, fmt.Errorf("%w: parse form: %v", errBadInput, err)
		}
		req.Template = r.FormValue("message")
		interval = r.FormValue("interval")

		file, hdr, ferr := r.FormFile("recipients")
		switch {
		case ferr == nil:
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return req, fmt.Errorf("%w: read upload: %v", errBadInput, err)
			}
			if req.Rows, err = sheet.Parse(hdr.Filename, data); err != nil {
				return req, err
			}
		case r.FormValue("recipients") != "":
			if req.Rows, err = sheet.FromJSON([]byte(r.FormValue("recipients"))); err != nil {
				return req, err
			}
		}

	default:
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("%w: parse form: %v", errBadInput, err)
		}
		req.Template = r.FormValue("message")
		interval = r.FormValue("interval")
		if v := r.FormValue("recipients"); v != "" {
			if req.Rows, err = sheet.FromJSON([]byte(v)); err != nil {
				return req, err
			}
		}
	}

	req.Interval = parseInterval(interval)
	return req, nil
}

// parseInterval reads a float number of seconds. Anything unparsable is
// zero and falls back to the engine's floor.
func parseInterval(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0
	}
	if secs > maxInterval.Seconds() {
		return maxInterval
	}
	return time.Duration(secs * float64(time.Second))
}

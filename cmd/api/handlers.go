package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/engine"
	"imgscan-server/internal/format"
	"imgscan-server/internal/models"
	"imgscan-server/internal/rules"
)

// errBadBody marks a request whose envelope could not be decoded
var errBadBody = errors.New("malformed request body")

// healthHandler returns service health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"api":    "up",
			"engine": "up",
		},
	})
}

// readinessHandler checks every enabled backend
func (s *Server) readinessHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	components := map[string]string{"engine": "up"}
	allHealthy := true

	for name, b := range s.backends {
		if err := b.Ping(ctx); err != nil {
			components[name] = "down: " + err.Error()
			allHealthy = false
		} else {
			components[name] = "up"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(models.HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

// scanHandler scans one payload sent as JSON or as a multipart upload
func (s *Server) scanHandler(c *fiber.Ctx) error {
	startTime := time.Now()
	defer func() {
		s.metrics.RecordAPIRequest("/scan", "POST", c.Response().StatusCode(), time.Since(startTime).Seconds())
	}()

	req, err := s.parseScanRequest(c)
	if err != nil {
		s.metrics.RecordRejected("body")
		return c.Status(fiber.StatusBadRequest).JSON(models.NewErrorResponse(err.Error()))
	}

	res, err := s.engine.Scan(req)
	if err != nil {
		return s.scanError(c, req, err)
	}

	findings := make(map[[2]string]int)
	for _, f := range res.Findings {
		findings[[2]string{string(f.Category), f.Severity.String()}]++
	}
	s.metrics.RecordScan(string(res.Tier), res.RiskLevel.String(), res.FileSize, res.DurationMS/1000, findings)

	quarantined := s.maybeQuarantine(req, res)
	if s.events != nil {
		s.events.Enqueue(models.NewScanEvent(req.Filename, res, quarantined))
	}

	log.Debug().
		Str("scan_id", res.ScanID).
		Str("filename", req.Filename).
		Str("tier", string(res.Tier)).
		Str("risk_level", res.RiskLevel.String()).
		Int("findings", len(res.Findings)).
		Msg("Scan complete")

	return c.JSON(models.NewScanResponse(res))
}

// parseScanRequest decodes either envelope into an engine request
func (s *Server) parseScanRequest(c *fiber.Ctx) (engine.Request, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return engine.Request{}, errors.New("multipart upload requires a file field")
		}
		f, err := fh.Open()
		if err != nil {
			return engine.Request{}, errBadBody
		}
		defer f.Close()

		// One byte past the limit is enough for the engine to reject it
		data, err := io.ReadAll(io.LimitReader(f, s.engine.MaxPayload()+1))
		if err != nil {
			return engine.Request{}, errBadBody
		}
		return engine.Request{
			Data:     data,
			Filename: fh.Filename,
			Depth:    c.FormValue("scan_depth"),
		}, nil
	}

	var body models.ScanRequest
	if err := c.BodyParser(&body); err != nil {
		return engine.Request{}, errBadBody
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return engine.Request{}, errors.New("data must be base64 encoded")
	}
	return engine.Request{Data: data, Filename: body.Filename, Depth: body.ScanDepth}, nil
}

// scanError maps an engine error onto a status code
func (s *Server) scanError(c *fiber.Ctx, req engine.Request, err error) error {
	if !engine.IsRejected(err) {
		log.Error().Err(err).Str("filename", req.Filename).Msg("Scan failed")
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("Internal server error"))
	}

	code := fiber.StatusBadRequest
	reason := "body"
	switch {
	case errors.Is(err, engine.ErrPayloadTooLarge):
		code = fiber.StatusRequestEntityTooLarge
		reason = "too_large"
	case errors.Is(err, engine.ErrEmptyPayload):
		reason = "empty"
	case errors.Is(err, engine.ErrUnsupportedExtension):
		reason = "extension"
	case errors.Is(err, engine.ErrInvalidDepth):
		reason = "depth"
	}
	s.metrics.RecordRejected(reason)
	return c.Status(code).JSON(models.NewErrorResponse(err.Error()))
}

// maybeQuarantine stores the payload when the verdict reaches the threshold.
// Storage failures are logged, the scan response is unaffected.
func (s *Server) maybeQuarantine(req engine.Request, res *engine.Result) bool {
	if s.quarantine == nil || res.RiskLevel < s.quarantineMin {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := s.quarantine.Quarantine(ctx, res.Hashes.SHA256, req.Data, map[string]string{
		"scan-id":    res.ScanID,
		"risk-level": res.RiskLevel.String(),
		"filename":   req.Filename,
	})
	if err != nil {
		s.metrics.QuarantineTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("scan_id", res.ScanID).Msg("Failed to quarantine payload")
		return false
	}

	s.metrics.QuarantineTotal.WithLabelValues("stored").Inc()
	log.Info().
		Str("scan_id", res.ScanID).
		Str("object", key).
		Str("risk_level", res.RiskLevel.String()).
		Msg("Payload quarantined")
	return true
}

// statsHandler returns the static capability report
func (s *Server) statsHandler(c *fiber.Ctx) error {
	rs := s.engine.Rules()

	hashCounts := make(map[string]int)
	for alg, n := range s.engine.Hashes().Counts() {
		hashCounts[string(alg)] = n
	}

	resp := models.StatsResponse{
		SupportedFormats: format.SupportedExtensions(),
		RuleCounts: map[string]int{
			string(rules.TierLight): rs.Count(rules.TierLight),
			string(rules.TierFull):  rs.Count(rules.TierFull),
		},
		HashCounts:      hashCounts,
		MaxPayloadBytes: s.engine.MaxPayload(),
		ScanDepths:      []string{string(rules.TierLight), string(rules.TierFull)},
	}

	if s.auditStats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stats, err := s.auditStats.GetScanStats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to get audit stats")
		} else {
			resp.Audit = stats
		}
	}

	return c.JSON(resp)
}

// errorHandler handles Fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	log.Error().
		Err(err).
		Int("code", code).
		Str("path", c.Path()).
		Msg("Request error")

	return c.Status(code).JSON(models.NewErrorResponse(message))
}

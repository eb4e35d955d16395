package api

import (
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// handleGetSettings handles GET /settings.
func (s *Server) handleGetSettings(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.settings.Get())
}

// readRawBody reads the request body as an opaque JSON document. The
// settings sub-documents are UI-owned, so no Bind target exists for them.
func readRawBody(c *echo.Context) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if !json.Valid(raw) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is not valid JSON")
	}
	return raw, nil
}

// handleGetGenerationSettings handles GET /settings/generation: every
// mode's sub-document at once.
func (s *Server) handleGetGenerationSettings(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.settings.Get().Generation)
}

// handleGetGenerationMode handles GET /settings/generation/:mode.
func (s *Server) handleGetGenerationMode(c *echo.Context) error {
	raw, err := s.settings.Generation(c.Param("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSONBlob(http.StatusOK, raw)
}

// handleUpdateGenerationSettingsAll handles PUT /settings/generation: the
// body maps mode names to their sub-documents, all replaced in one save.
func (s *Server) handleUpdateGenerationSettingsAll(c *echo.Context) error {
	raw, err := readRawBody(c)
	if err != nil {
		return err
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must map modes to settings objects")
	}
	if err := s.settings.UpdateGenerationAll(docs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.settings.Get())
}

// handleUpdateGenerationSettings handles PUT /settings/generation/:mode.
func (s *Server) handleUpdateGenerationSettings(c *echo.Context) error {
	raw, err := readRawBody(c)
	if err != nil {
		return err
	}
	if err := s.settings.UpdateGeneration(c.Param("mode"), raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.settings.Get())
}

// handleGetUISettings handles GET /settings/preferences.
func (s *Server) handleGetUISettings(c *echo.Context) error {
	return c.JSONBlob(http.StatusOK, s.settings.UI())
}

// handleUpdateUISettings handles PUT /settings/preferences.
func (s *Server) handleUpdateUISettings(c *echo.Context) error {
	raw, err := readRawBody(c)
	if err != nil {
		return err
	}
	if err := s.settings.UpdateUI(raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.settings.Get())
}

// handleResetSettings handles POST /settings/reset.
func (s *Server) handleResetSettings(c *echo.Context) error {
	if err := s.settings.Reset(); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.settings.Get())
}

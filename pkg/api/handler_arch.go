package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// handleListArchitectures handles GET /architectures.
func (s *Server) handleListArchitectures(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"architectures": s.catalog.List()})
}

// handleGetArchitecture handles GET /architectures/:id. The id accepts
// aliases and the labels the engine reports, same resolution the UI uses
// for the loaded model.
func (s *Server) handleGetArchitecture(c *echo.Context) error {
	a, ok := s.catalog.Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown architecture")
	}
	return c.JSON(http.StatusOK, a)
}

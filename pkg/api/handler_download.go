package api

import (
	"net/http"
	"os"

	echo "github.com/labstack/echo/v5"
)

// handleCivitaiInfo handles GET /models/civitai/:id, where id is a CivitAI
// model id or "id:version". Resolves the reference to its downloadable
// files so the UI can offer a one-click download job.
func (s *Server) handleCivitaiInfo(c *echo.Context) error {
	info, err := s.dl.CivitaiModel(c.Request().Context(), c.Param("id"), os.Getenv("CIVITAI_API_KEY"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

// handleHuggingFaceInfo handles GET /models/huggingface?repo_id=: list the
// weight files of a Hugging Face repo.
func (s *Server) handleHuggingFaceInfo(c *echo.Context) error {
	repo := c.QueryParam("repo_id")
	if repo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_id is required")
	}
	info, err := s.dl.HuggingFaceFiles(c.Request().Context(), repo, os.Getenv("HF_TOKEN"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

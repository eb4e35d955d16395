package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var loadErr *modelmgr.ValidationError
	if errors.As(err, &loadErr) {
		return echo.NewHTTPError(http.StatusBadRequest, loadErr.Error())
	}
	var reqErr *queue.ValidationError
	if errors.As(err, &reqErr) {
		return echo.NewHTTPError(http.StatusBadRequest, reqErr.Error())
	}
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	// State conflicts render as 400 with a descriptive body; the UI keys on
	// the message, not the status class.
	if errors.Is(err, queue.ErrNotCancellable) ||
		errors.Is(err, queue.ErrNotDeletable) ||
		errors.Is(err, queue.ErrNotRestorable) ||
		errors.Is(err, queue.ErrProcessing) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, modelmgr.ErrNotLoaded) || errors.Is(err, modelmgr.ErrUpscalerNotLoaded) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// archive.go — HTTP handlers администрирования архивирования.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/practicestore/internal/api/errors"
	"github.com/bigkaa/practicestore/internal/domain/model"
)

// maxRunsLimit — верхняя граница limit для журнала прогонов.
const maxRunsLimit = 1000

// ArchiveHandler — обработчик endpoints архивирования.
type ArchiveHandler struct {
	runner ArchiveRunner
	logger *slog.Logger
}

// NewArchiveHandler создаёт обработчик endpoints архивирования.
func NewArchiveHandler(runner ArchiveRunner, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		runner: runner,
		logger: logger.With(slog.String("component", "archive_handler")),
	}
}

type runResponse struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

type runsResponse struct {
	Items []*model.ArchiveRun `json:"items"`
}

// StartRun обрабатывает POST /api/v1/archive/runs.
// Выполняет прогон синхронно; 409, если прогон уже идёт.
func (h *ArchiveHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	ok, fail, err := h.runner.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{SuccessCount: ok, FailureCount: fail})
}

// ListRuns обрабатывает GET /api/v1/archive/runs?limit=N.
func (h *ArchiveHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxRunsLimit {
			apierrors.ValidationError(w, fmt.Sprintf("Параметр limit должен быть от 1 до %d", maxRunsLimit))
			return
		}
		limit = n
	}

	runs, err := h.runner.ListRuns(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	if runs == nil {
		runs = []*model.ArchiveRun{}
	}

	writeJSON(w, http.StatusOK, runsResponse{Items: runs})
}

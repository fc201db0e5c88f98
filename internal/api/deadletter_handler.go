package api

import (
	"net/http"

	"github.com/shaiso/Scribe/internal/domain"
)

// ListDeadLetters возвращает dead-letter записи, новые первыми.
// GET /api/v1/dead-letters?limit=...
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		BadRequest(w, "invalid limit")
		return
	}

	records, err := h.store.ListDeadLetters(r.Context(), limit)
	if HandleError(w, h.logger, err, "") {
		return
	}
	if records == nil {
		records = []domain.DeadLetterRecord{}
	}

	List(w, records, len(records))
}

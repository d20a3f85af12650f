package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatsHandler serves the operator dashboard counters.
type StatsHandler struct {
	Engine Dispatcher
}

func NewStatsHandler(engine Dispatcher) *StatsHandler {
	return &StatsHandler{Engine: engine}
}

// Today handles GET /stats/today[?service_id=]. Counts are read from the
// store on every request.
func (h *StatsHandler) Today(c echo.Context) error {
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	day := c.QueryParam("day")
	if day == "" {
		day = h.Engine.Today()
	}
	st, err := h.Engine.DailyStats(ctx, day, c.QueryParam("service_id"))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return respond(c, http.StatusOK, echo.Map{
		"day":        day,
		"service_id": c.QueryParam("service_id"),
		"total":      st.Total,
		"waiting":    st.Waiting,
		"processing": st.Processing,
		"completed":  st.Completed,
	})
}

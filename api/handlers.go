package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"vigilant/core"
	"vigilant/scheduler"
	"vigilant/storage"

	"github.com/gorilla/mux"
)

const defaultAlertPageSize = 100

type healthResponse struct {
	Status  string             `json:"status"`
	Servers []scheduler.Status `json:"servers"`
}

// healthCheck reports 200 when every server collected successfully within
// two poll intervals, 503 otherwise
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	healthy, statuses := a.collector.Healthy()
	resp := healthResponse{Status: "ok", Servers: statuses}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	a.respondJSON(w, resp, code)
}

func (a *API) getServerStatus(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.collector.Status(), http.StatusOK)
}

type refreshResponse struct {
	Server    string `json:"server"`
	Triggered bool   `json:"triggered"`
}

// refreshServer asks the worker of a server to collect now. A cycle that is
// already running or pending is not queued again.
func (a *API) refreshServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	triggered, err := a.collector.Trigger(name)
	if errors.Is(err, scheduler.ErrUnknownServer) {
		writeError(w, http.StatusNotFound, "Server not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to trigger collection", err, a.logger)
		return
	}
	code := http.StatusAccepted
	if !triggered {
		code = http.StatusConflict
	}
	a.respondJSON(w, refreshResponse{Server: name, Triggered: triggered}, code)
}

type alertsResponse struct {
	Alerts []core.Alert `json:"alerts"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	alerts, err := a.alerts.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts", err, a.logger)
		return
	}
	total, err := a.alerts.Count(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count alerts", err, a.logger)
		return
	}
	if alerts == nil {
		alerts = []core.Alert{}
	}
	a.respondJSON(w, alertsResponse{Alerts: alerts, Total: total, Limit: filter.Limit, Offset: filter.Offset}, http.StatusOK)
}

func parseAlertFilter(r *http.Request) (storage.AlertFilter, error) {
	q := r.URL.Query()
	f := storage.AlertFilter{
		ServerName: q.Get("server"),
		Source:     q.Get("source"),
		RuleName:   q.Get("rule"),
		Limit:      defaultAlertPageSize,
	}

	var err error
	if s := q.Get("severity"); s != "" {
		if f.Severity, err = core.ParseSeverity(s); err != nil {
			return f, err
		}
	}
	if s := q.Get("min_severity"); s != "" {
		if f.MinSeverity, err = core.ParseSeverity(s); err != nil {
			return f, err
		}
	}
	if f.Acknowledged, err = queryBool(r, "acknowledged"); err != nil {
		return f, err
	}
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if q.Get("limit") != "" {
		if f.Limit, err = queryInt(r, "limit"); err != nil {
			return f, err
		}
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

func (a *API) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert ID", err, a.logger)
		return
	}

	var req acknowledgeRequest
	if r.ContentLength != 0 {
		if err := a.decodeJSONBody(w, r, &req); err != nil {
			return
		}
	}
	if req.By == "" {
		req.By = "api"
	}

	alert, err := a.alerts.Acknowledge(r.Context(), id, req.By)
	if errors.Is(err, storage.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "Alert not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to acknowledge alert", err, a.logger)
		return
	}
	a.respondJSON(w, alert, http.StatusOK)
}

func (a *API) getExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := core.ExceptionFilters{
		RuleType: core.ExceptionRuleType(q.Get("rule_type")),
		Search:   q.Get("search"),
	}
	var err error
	if filters.Enabled, err = queryBool(r, "enabled"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	if filters.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	if filters.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	exceptions, err := a.exceptions.ListExceptions(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list exceptions", err, a.logger)
		return
	}
	if exceptions == nil {
		exceptions = []core.AlertException{}
	}
	a.respondJSON(w, exceptions, http.StatusOK)
}

type createExceptionRequest struct {
	RuleType    core.ExceptionRuleType `json:"rule_type"`
	Value       string                 `json:"value"`
	Description string                 `json:"description"`
	Enabled     *bool                  `json:"enabled"`
	ExpiresAt   *time.Time             `json:"expires_at"`
	CreatedBy   string                 `json:"created_by"`
}

func (a *API) createException(w http.ResponseWriter, r *http.Request) {
	var req createExceptionRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}

	exc := core.NewAlertException(req.RuleType, req.Value, req.Description)
	if req.Enabled != nil {
		exc.Enabled = *req.Enabled
	}
	exc.ExpiresAt = req.ExpiresAt
	exc.CreatedBy = req.CreatedBy
	if exc.CreatedBy == "" {
		exc.CreatedBy = "api"
	}

	if err := a.exceptions.CreateException(r.Context(), exc); err != nil {
		if errors.Is(err, core.ErrConfig) {
			writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create exception", err, a.logger)
		return
	}
	a.refreshExceptions(r)
	a.respondJSON(w, exc, http.StatusCreated)
}

func (a *API) deleteException(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := a.exceptions.DeleteException(r.Context(), id)
	if errors.Is(err, storage.ErrExceptionNotFound) {
		writeError(w, http.StatusNotFound, "Exception not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete exception", err, a.logger)
		return
	}
	a.refreshExceptions(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) refreshExceptions(r *http.Request) {
	if a.refresher == nil {
		return
	}
	if err := a.refresher.Refresh(r.Context()); err != nil {
		a.logger.Warnw("Failed to refresh exceptions after change", "error", err)
	}
}

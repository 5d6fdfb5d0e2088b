package exam

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labtrack/labtrack/internal/platform/auth"
	"github.com/labtrack/labtrack/internal/platform/qrcode"
	"github.com/labtrack/labtrack/pkg/pagination"
)

type Handler struct {
	svc    *Service
	qrSize int
}

func NewHandler(svc *Service, qrSize int) *Handler {
	return &Handler{svc: svc, qrSize: qrSize}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleCollector, auth.RolePhysician))
	read.GET("/statuses", h.ListStatuses)
	read.GET("/exams/:id/status", h.GetStatus)
	read.GET("/exams/:id/history", h.GetHistory)
	read.GET("/exams/:id/qr", h.GetQR)
	read.POST("/qr/decode", h.DecodeQR)
	read.POST("/scan", h.Scan)
	read.GET("/activity", h.ListActivity)

	write := api.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleCollector))
	write.POST("/exams/:id/transitions", h.RecordTransition)
	write.POST("/exams/:id/reject", h.Reject)
	write.POST("/exams/:id/undo", h.Undo)
	write.POST("/scan/confirm", h.ConfirmScan)
}

// httpError maps engine errors to response codes. NotFound is checked before
// Persistence since an append against an unknown exam is both.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrUnknownRejectionReason),
		errors.Is(err, ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPrincipalRequired):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "exam not found")
	case errors.Is(err, ErrNoPriorState),
		errors.Is(err, ErrStaleStatus),
		errors.Is(err, ErrScanState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPersistence):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "exam store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func examID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid exam id")
	}
	return id, nil
}

func (h *Handler) ListStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"statuses":          AllStatuses(),
		"rejection_reasons": RejectionReasons(),
	})
}

type statusResponse struct {
	Exam     *ExamSummary `json:"exam"`
	Display  Display      `json:"display"`
	Next     *Status      `json:"next"`
	Previous *Status      `json:"previous"`
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	exam, err := h.svc.FetchCurrentStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := statusResponse{Exam: exam, Display: DisplayFor(exam.Status)}
	if next, ok := h.svc.GetNextStatus(exam.Status); ok {
		resp.Next = &next
	}
	if prev, ok := PreviousTransition(exam.Status); ok {
		resp.Previous = &prev
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []*StatusHistoryEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"exam_id": id,
		"entries": entries,
	})
}

type transitionBody struct {
	Status string `json:"status"`
	From   string `json:"from"`
	Notes  string `json:"notes"`
}

func (h *Handler) RecordTransition(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	var body transitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.svc.RecordTransition(c.Request().Context(), TransitionRequest{
		ExamID:    id,
		Status:    Status(body.Status),
		From:      Status(body.From),
		Principal: auth.UserIDFromContext(c.Request().Context()),
		Notes:     body.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

type rejectBody struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
	From   string `json:"from"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	var body rejectBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	entry, err := h.svc.Reject(ctx, id, RejectionReason(body.Reason), body.Note,
		auth.UserIDFromContext(ctx), Status(body.From))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) Undo(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	prev, err := h.svc.UndoLastTransition(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"exam_id":         id,
		"previous_status": prev,
	})
}

func (h *Handler) GetQR(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	exam, err := h.svc.FetchCurrentStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	text, err := EncodeQRPayload(PayloadFor(exam))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if c.QueryParam("format") == "text" {
		return c.JSON(http.StatusOK, map[string]string{"payload": text})
	}

	size := h.qrSize
	if v := c.QueryParam("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid size")
		}
		size = n
	}
	png, err := qrcode.Render(text, size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

type payloadBody struct {
	Payload string `json:"payload"`
}

func (h *Handler) DecodeQR(c echo.Context) error {
	var body payloadBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := DecodeQRPayload(body.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// Scan resolves a scanned label to the exam's current and next status.
func (h *Handler) Scan(c echo.Context) error {
	var body payloadBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	flow := NewScanFlow(h.svc)
	flow.Scan(body.Payload)
	if _, err := flow.Resolve(c.Request().Context()); err != nil {
		return scanError(flow, err)
	}
	return c.JSON(http.StatusOK, flow.Snapshot())
}

type confirmBody struct {
	Payload    string `json:"payload"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	Note       string `json:"note"`
	SeenStatus string `json:"seen_status"`
}

// ConfirmScan re-resolves the label and applies the confirmed action. The
// status shown to the operator is sent back as seen_status.
func (h *Handler) ConfirmScan(c echo.Context) error {
	var body confirmBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	flow := NewScanFlow(h.svc)
	flow.Scan(body.Payload)
	if _, err := flow.Resolve(ctx); err != nil {
		return scanError(flow, err)
	}
	_, err := flow.Confirm(ctx, Action(body.Action), auth.UserIDFromContext(ctx), ConfirmOptions{
		Reason:     RejectionReason(body.Reason),
		Note:       body.Note,
		SeenStatus: Status(body.SeenStatus),
	})
	if err != nil {
		return scanError(flow, err)
	}
	return c.JSON(http.StatusCreated, flow.Snapshot())
}

func scanError(flow *ScanFlow, err error) error {
	he := httpError(err)
	if msg := flow.Message(); msg != "" {
		he.Message = msg
	}
	return he
}

func (h *Handler) ListActivity(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	principal := auth.UserIDFromContext(ctx)
	if other := c.QueryParam("principal"); other != "" && other != principal {
		if !auth.HasRole(auth.RolesFromContext(ctx), auth.RoleAdmin) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot view another principal's activity")
		}
		principal = other
	}
	items, err := h.svc.ListRecentActivity(ctx, principal, pg.Limit)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*ActivityEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"principal": principal,
		"limit":     pg.Limit,
		"data":      items,
	})
}

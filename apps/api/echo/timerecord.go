package echoapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/clinica/core"
	"github.com/trezcool/clinica/core/timerecord"
)

const errInvalidTime = "must be an RFC3339 timestamp"

type timeRecordApi struct {
	svc      *timerecord.Service
	clock    *timerecord.Clock
	validate *validator.Validate
}

func registerTimeRecordAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := timeRecordApi{
		svc:      deps.TimeRecordSvc,
		clock:    deps.Clock,
		validate: deps.Validate,
	}

	tg := g.Group("/time-records", jwt)
	tg.POST("/clock-in", api.clockIn)
	tg.POST("/clock-out", api.clockOut)
	tg.GET("", api.query, rolesMiddleware(staffRoles...))
	tg.GET("/:id", api.retrieve, rolesMiddleware(staffRoles...))

	sg := g.Group("/students/:id", jwt)
	sg.GET("/clock-status", api.clockStatus)
}

// Handlers

// clockIn answers right away with the speculative status; the record is written in the background.
func (api *timeRecordApi) clockIn(ctx echo.Context) error {
	var data timerecord.ClockInRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ClockInRequest")
	}
	if err := defaultToSelf(ctx, &data.StudentID); err != nil {
		return err
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if err := canActFor(ctx, data.StudentID); err != nil {
		return err
	}

	upd, err := api.clock.ClockIn(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "clocking in")
	}
	return ctx.JSON(http.StatusAccepted, upd)
}

func (api *timeRecordApi) clockOut(ctx echo.Context) error {
	var data timerecord.ClockOutRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ClockOutRequest")
	}
	if err := defaultToSelf(ctx, &data.StudentID); err != nil {
		return err
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if err := canActFor(ctx, data.StudentID); err != nil {
		return err
	}

	upd, err := api.clock.ClockOut(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "clocking out")
	}
	return ctx.JSON(http.StatusAccepted, upd)
}

func (api *timeRecordApi) clockStatus(ctx echo.Context) error {
	studentID := core.CleanString(ctx.Param("id"))
	if err := canActFor(ctx, studentID); err != nil {
		return err
	}

	view, err := api.clock.Status(ctx.Request().Context(), studentID)
	if err != nil {
		return errors.Wrap(err, "getting clock status")
	}
	return ctx.JSON(http.StatusOK, view)
}

func (api *timeRecordApi) query(ctx echo.Context) error {
	var filter timerecord.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}
	filter.Clean()

	var fldErrs []core.FieldError
	var ok bool
	if filter.From, ok = timeParam(ctx, "from"); !ok {
		fldErrs = append(fldErrs, core.FieldError{Field: "from", Error: errInvalidTime})
	}
	if filter.To, ok = timeParam(ctx, "to"); !ok {
		fldErrs = append(fldErrs, core.FieldError{Field: "to", Error: errInvalidTime})
	}
	if len(fldErrs) > 0 {
		return core.NewValidationError(nil, fldErrs...)
	}

	recs, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying time records")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *timeRecordApi) retrieve(ctx echo.Context) error {
	rec, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting time record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

// helpers

// defaultToSelf sets an empty student id to the authenticated user's.
func defaultToSelf(ctx echo.Context, studentID *string) error {
	if strings.TrimSpace(*studentID) != "" {
		return nil
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	*studentID = claims.Subject
	return nil
}

// timeParam parses an optional RFC3339 query param; false if it is set but invalid.
func timeParam(ctx echo.Context, name string) (time.Time, bool) {
	val := strings.TrimSpace(ctx.QueryParam(name))
	if val == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

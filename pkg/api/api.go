// Package api exposes endpoints and the controller over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"figger-go/internal/fn"
	"figger-go/pkg/channame"
	"figger-go/pkg/controller"
	"figger-go/pkg/endpoint"
	"figger-go/pkg/log"
	"figger-go/pkg/notify"
	"figger-go/pkg/trafficfilter"
	"figger-go/pkg/transition"

	"github.com/klauspost/compress/gzhttp"
	"github.com/labstack/echo/v4"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	maxBodySize        = 64
)

// Watcher controls which channels the control plane answers.
type Watcher interface {
	Watch(name string) error
	Unwatch(name string) error
	Watching() []string
}

type StatsSource interface {
	Stats() trafficfilter.Stats
}

type EndpointView struct {
	Name      string           `json:"name"`
	State     transition.State `json:"state"`
	StateName string           `json:"state_name"`
	Pending   bool             `json:"pending"`
	Accepted  uint64           `json:"accepted"`
	Dropped   uint64           `json:"dropped"`
	Wakes     uint64           `json:"wakes"`
}

type StatsView struct {
	Filter   trafficfilter.Stats `json:"filter"`
	Accepted uint64              `json:"accepted"`
	Dropped  uint64              `json:"dropped"`
	Wakes    uint64              `json:"wakes"`
	States   map[string]int      `json:"states"`
	Watching int                 `json:"watching"`
}

type FiggerApi struct {
	Api *echo.Echo

	hub     *notify.Hub
	table   *endpoint.Table
	stats   StatsSource
	watcher Watcher
}

// NewFiggerApi builds the router. watcher may be nil, in which case the
// watch routes answer 501.
func NewFiggerApi(hub *notify.Hub, table *endpoint.Table, stats StatsSource, watcher Watcher) *FiggerApi {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echo.WrapMiddleware(func(h http.Handler) http.Handler {
		return gzhttp.GzipHandler(h)
	}))

	a := &FiggerApi{Api: e, hub: hub, table: table, stats: stats, watcher: watcher}
	e.GET("/endpoints", a.ListEndpoints)
	e.GET("/endpoints/:name", a.ReadEndpoint)
	e.PUT("/endpoints/:name", a.WriteEndpoint)
	e.GET("/endpoints/:name/wait", a.WaitEndpoint)
	e.GET("/stats", a.GetStats)
	e.GET("/watch", a.ListWatching)
	e.POST("/watch/:name", a.Watch)
	e.DELETE("/watch/:name", a.Unwatch)
	return a
}

// Start serves on addr until Shutdown. Request contexts derive from ctx, so
// cancelling it releases long polls.
func (a *FiggerApi) Start(ctx context.Context, addr string) error {
	a.Api.Server.BaseContext = func(net.Listener) context.Context { return ctx }
	log.Info().Str("addr", addr).Msg("api: listening")
	if err := a.Api.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *FiggerApi) Shutdown(ctx context.Context) error {
	return a.Api.Shutdown(ctx)
}

func view(name string, s endpoint.Snapshot) EndpointView {
	return EndpointView{
		Name:      name,
		State:     s.State,
		StateName: s.State.String(),
		Pending:   s.State != s.LastObserved,
		Accepted:  s.Accepted,
		Dropped:   s.Dropped,
		Wakes:     s.Wakes,
	}
}

func (a *FiggerApi) managedSnapshots() []EndpointView {
	snaps := a.table.Snapshot()
	out := make([]EndpointView, 0, len(snaps))
	for _, s := range snaps {
		if a.hub.Managed(s.Protocol) {
			out = append(out, view(channame.Format(s.Protocol, int(s.Port)), s))
		}
	}
	return out
}

func (a *FiggerApi) ListEndpoints(c echo.Context) error {
	views := a.managedSnapshots()
	if q := c.QueryParam("state"); q != "" {
		if len(q) != 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "state must be a single digit")
		}
		st, err := transition.ParseDigit(q[0])
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := views[:0]
		for _, v := range views {
			if v.State == st {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	return c.JSON(http.StatusOK, views)
}

func (a *FiggerApi) open(c echo.Context) (*notify.Session, error) {
	s, err := a.hub.Open(c.Param("name"))
	if err != nil {
		return nil, httpError(err)
	}
	return s, nil
}

// ReadEndpoint reads the channel through a fresh session, marking the
// current state observed.
func (a *FiggerApi) ReadEndpoint(c echo.Context) error {
	s, err := a.open(c)
	if err != nil {
		return err
	}
	if _, err := s.ReadState(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(s.Name(), s.Endpoint().Snapshot()))
}

func (a *FiggerApi) WriteEndpoint(c echo.Context) error {
	s, err := a.open(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := s.Write(body); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(s.Name(), s.Endpoint().Snapshot()))
}

// WaitEndpoint blocks until the channel has an unobserved state, then reads it.
func (a *FiggerApi) WaitEndpoint(c echo.Context) error {
	s, err := a.open(c)
	if err != nil {
		return err
	}
	timeout := defaultWaitTimeout
	if q := c.QueryParam("timeout"); q != "" {
		if timeout, err = time.ParseDuration(q); err != nil || timeout <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
		}
		timeout = min(timeout, maxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusRequestTimeout, "no transition within "+timeout.String())
		}
		return httpError(err)
	}
	if _, err := s.ReadState(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(s.Name(), s.Endpoint().Snapshot()))
}

func (a *FiggerApi) GetStats(c echo.Context) error {
	sv := StatsView{States: make(map[string]int)}
	if a.stats != nil {
		sv.Filter = a.stats.Stats()
	}
	for _, v := range a.managedSnapshots() {
		sv.Accepted += v.Accepted
		sv.Dropped += v.Dropped
		sv.Wakes += v.Wakes
		sv.States[v.StateName]++
	}
	if a.watcher != nil {
		sv.Watching = len(a.watcher.Watching())
	}
	return c.JSON(http.StatusOK, sv)
}

func (a *FiggerApi) ListWatching(c echo.Context) error {
	if a.watcher == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no controller")
	}
	return c.JSON(http.StatusOK, a.watcher.Watching())
}

func (a *FiggerApi) Watch(c echo.Context) error {
	return a.toggleWatch(c, true)
}

func (a *FiggerApi) Unwatch(c echo.Context) error {
	return a.toggleWatch(c, false)
}

func (a *FiggerApi) toggleWatch(c echo.Context, on bool) error {
	if a.watcher == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no controller")
	}
	name := c.Param("name")
	op := fn.T(on, a.watcher.Watch, a.watcher.Unwatch)
	if err := op(name); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"name":     name,
		"watching": on,
	})
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, notify.ErrUnknownChannel), errors.Is(err, channame.ErrBadName):
		code = http.StatusNotFound
	case errors.Is(err, transition.ErrMalformedInput):
		code = http.StatusBadRequest
	case errors.Is(err, notify.ErrSessionClosed), errors.Is(err, controller.ErrClosed), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrAlreadyWatching), errors.Is(err, controller.ErrNotWatching):
		code = http.StatusConflict
	}
	return echo.NewHTTPError(code, err.Error())
}

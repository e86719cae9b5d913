package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"event-store/chain"
	"event-store/domain"
	"event-store/query"
)

// Config carries the collaborators and limits of the HTTP boundary. Deduper,
// Relay and the limiters are optional.
type Config struct {
	Appender Appender
	Querier  Querier
	Verifier Verifier
	Log      LogStatus
	Relay    RelayStatus
	Deduper  Deduper

	AppendLimiter  Limiter
	QueryLimiter   Limiter
	RequestTimeout time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config, logger *log.Logger) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = HTTPErrorHandler(logger)

	var appendLimit, queryLimit []echo.MiddlewareFunc
	if cfg.AppendLimiter != nil {
		appendLimit = append(appendLimit, RateLimit("append", cfg.AppendLimiter, logger))
	}
	if cfg.QueryLimiter != nil {
		queryLimit = append(queryLimit, RateLimit("query", cfg.QueryLimiter, logger))
	}
	observed := func(op string, mw ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
		return append([]echo.MiddlewareFunc{Observe(op, logger)}, mw...)
	}

	e.GET("/health", health())
	e.POST("/events", appendEvent(cfg, logger), observed("append", append(appendLimit, GzipRequestMiddleware())...)...)
	e.GET("/events", queryEvents(cfg, logger), observed("query", queryLimit...)...)
	e.GET("/events/:id", getEvent(cfg.Querier, logger), observed("get", queryLimit...)...)
	e.GET("/verify", verifyChain(cfg, logger), observed("verify", queryLimit...)...)
	e.GET("/status", status(cfg.Log, cfg.Relay), Observe("status", logger))
}

func health() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{
			Status:    "healthy",
			Service:   serviceName,
			Timestamp: time.Now().UTC(),
		})
	}
}

func fail(c echo.Context, logger *log.Logger, m *requestMetrics, stage string, err error) error {
	m.Fail(stage, err)
	return writeError(c, logger, err)
}

func appendEvent(cfg Config, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, postEventMaxSize+1))
		if err != nil {
			return fail(c, logger, m, "read_body", domain.Validation("failed to read request body"))
		}
		if len(body) > postEventMaxSize {
			return fail(c, logger, m, "read_body", (&domain.Error{
				Code:    domain.CodePayloadTooLarge,
				Message: "request body exceeds 64 KiB",
			}).WithDetail("max_bytes", postEventMaxSize))
		}

		var req appendRequest
		if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
			return fail(c, logger, m, "decode", domain.Validation("invalid JSON body"))
		}
		d, derr := req.draft()
		if derr != nil {
			return fail(c, logger, m, "validate", derr)
		}

		idemKey := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
		if len(idemKey) > maxIdempotencyKeyLen {
			return fail(c, logger, m, "validate", domain.Validation("Idempotency-Key exceeds %d bytes", maxIdempotencyKeyLen))
		}
		m.Set("idempotency_key_provided", idemKey != "")
		dedupe := idemKey != "" && cfg.Deduper != nil

		ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.RequestTimeout)
		defer cancel()

		if dedupe {
			res, err := cfg.Deduper.Reserve(ctx, idemKey)
			if err != nil {
				return fail(c, logger, m, "idempotency", domain.Unavailable(err, "idempotency store unavailable"))
			}
			switch {
			case res.Pending:
				return fail(c, logger, m, "idempotency", (&domain.Error{
					Code:    domain.CodeConflict,
					Message: "a request with this Idempotency-Key is in progress",
				}).WithDetail("idempotency_key", idemKey))
			case !res.Reserved:
				ev, err := cfg.Querier.Get(ctx, res.EventID)
				if err != nil {
					return fail(c, logger, m, "idempotency", err)
				}
				m.Set("idempotent_replay", true)
				return respondAppended(c, m, http.StatusOK, ev)
			}
		}

		execStart := time.Now()
		ev, err := cfg.Appender.Append(ctx, d)
		m.ObserveExecute(time.Since(execStart))
		if err != nil {
			if dedupe {
				if rerr := cfg.Deduper.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			return fail(c, logger, m, "append", err)
		}
		if dedupe {
			if cerr := cfg.Deduper.Complete(context.WithoutCancel(ctx), idemKey, ev.ID); cerr != nil {
				logger.WithError(cerr).WithField("id", ev.ID).Warn("failed to record idempotency key")
			}
		}
		m.Set("sequence", ev.Sequence)
		return respondAppended(c, m, http.StatusCreated, ev)
	}
}

func respondAppended(c echo.Context, m *requestMetrics, status int, ev domain.Event) error {
	encodeStart := time.Now()
	err := c.JSON(status, appendResponse{
		ID:           ev.ID,
		Sequence:     ev.Sequence,
		Hash:         ev.Hash,
		PreviousHash: ev.PreviousHash,
		StoredAt:     ev.Timestamp,
	})
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

// draft maps the request onto a domain draft, resolving field aliases.
func (r *appendRequest) draft() (domain.Draft, error) {
	category, err := pickAlias("type", r.Type, "category", r.Category)
	if err != nil {
		return domain.Draft{}, err
	}
	resource, err := pickAlias("resource", r.Resource, "target", r.Target)
	if err != nil {
		return domain.Draft{}, err
	}
	metadata, data := r.Metadata, r.Data
	if isJSONNull(metadata) {
		metadata = nil
	}
	if isJSONNull(data) {
		data = nil
	}
	if metadata == nil {
		metadata = data
	} else if data != nil {
		return domain.Draft{}, domain.Validation("metadata and data are mutually exclusive").WithDetail("field", "metadata")
	}
	d := domain.Draft{
		Category: category,
		Actor:    r.Actor,
		Action:   r.Action,
		Resource: resource,
		Result:   r.Result,
		Error:    r.Error,
		Metadata: metadata,
	}
	if _, err := chain.ValidateDraft(d); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func pickAlias(name, value, alias, aliasValue string) (string, error) {
	if value != "" && aliasValue != "" && value != aliasValue {
		return "", domain.Validation("%s and %s disagree", name, alias).WithDetail("field", name)
	}
	if value != "" {
		return value, nil
	}
	return aliasValue, nil
}

func queryEvents(cfg Config, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)

		f, err := parseFilter(c)
		if err != nil {
			return fail(c, logger, m, "validate", err)
		}
		limit, err := parseLimit(c.QueryParam("limit"))
		if err != nil {
			return fail(c, logger, m, "validate", err)
		}
		cursor := c.QueryParam("cursor")
		m.Set("cursor_provided", cursor != "")
		m.Set("limit", limit)

		ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.RequestTimeout)
		defer cancel()

		execStart := time.Now()
		page, err := cfg.Querier.Query(ctx, f, cursor, limit)
		m.ObserveExecute(time.Since(execStart))
		if err != nil {
			return fail(c, logger, m, "query", err)
		}
		if page.Events == nil {
			page.Events = []domain.Event{}
		}
		m.Set("events_returned", len(page.Events))
		m.Set("total", page.Total)
		m.Set("has_more", page.HasMore)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, page)
		m.ObserveEncode(time.Since(encodeStart))
		return err
	}
}

// parseLimit reads the page size. Values too large to represent are passed
// on as the largest int; the query engine caps them.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return query.DefaultLimit, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if errors.Is(err, strconv.ErrRange) || (err == nil && n > math.MaxInt) {
		return math.MaxInt, nil
	}
	if err != nil || n == 0 {
		return 0, domain.Validation("limit must be a positive integer").WithDetail("field", "limit")
	}
	return int(n), nil
}

func parseFilter(c echo.Context) (domain.Filter, error) {
	category, err := pickAlias("type", c.QueryParam("type"), "category", c.QueryParam("category"))
	if err != nil {
		return domain.Filter{}, err
	}
	resource, err := pickAlias("resource", c.QueryParam("resource"), "target", c.QueryParam("target"))
	if err != nil {
		return domain.Filter{}, err
	}
	f := domain.Filter{
		Category: category,
		Actor:    c.QueryParam("actor"),
		Action:   c.QueryParam("action"),
		Resource: resource,
	}
	for _, p := range []struct {
		name  string
		alias string
		dst   **time.Time
	}{
		{"since", "start_time", &f.Since},
		{"until", "end_time", &f.Until},
	} {
		raw, err := pickAlias(p.name, strings.TrimSpace(c.QueryParam(p.name)), p.alias, strings.TrimSpace(c.QueryParam(p.alias)))
		if err != nil {
			return domain.Filter{}, err
		}
		if raw == "" {
			continue
		}
		ts, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			return domain.Filter{}, domain.Validation("%s must be an RFC 3339 timestamp", p.name).WithDetail("field", p.name)
		}
		ts = ts.UTC()
		*p.dst = &ts
	}
	return f, nil
}

func getEvent(querier Querier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		ev, err := querier.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, logger, m, "get", err)
		}
		return c.JSON(http.StatusOK, ev)
	}
}

func verifyChain(cfg Config, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)

		var from uint64
		if raw := strings.TrimSpace(c.QueryParam("from")); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return fail(c, logger, m, "validate", domain.Validation("from must be a non-negative integer").WithDetail("field", "from"))
			}
			from = n
		}
		m.Set("from", from)

		ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.RequestTimeout)
		defer cancel()

		execStart := time.Now()
		res, err := cfg.Verifier.Verify(ctx, from)
		m.ObserveExecute(time.Since(execStart))
		if err != nil {
			return fail(c, logger, m, "verify", err)
		}
		m.Set("valid", res.Valid)
		m.Set("events_verified", res.EventsVerified)
		return c.JSON(http.StatusOK, res)
	}
}

func status(store LogStatus, rl RelayStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		st := store.Stats()
		resp := statusResponse{
			TotalEvents:    st.Events,
			LastHash:       chain.Genesis,
			SegmentCount:   st.Segments,
			TotalSizeBytes: st.Bytes,
		}
		if tail, ok := store.ReadTail(); ok {
			seq := tail.Sequence
			resp.LastSequence = &seq
			resp.LastHash = tail.Hash
			first, last := st.FirstEvent, st.LastEvent
			resp.FirstEventTime = &first
			resp.LastEventTime = &last
		}
		if rl != nil {
			rs := rl.Stats()
			resp.Relay = &rs
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// sonicSerializer encodes responses with sonic.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body").SetInternal(err)
	}
	return nil
}

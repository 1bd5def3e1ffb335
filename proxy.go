package main

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

// newProxy builds the echo server forwarding /api and /auth to target.
func newProxy(target *url.URL, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(inflateRequestBody())
	e.Use(requestMetricsMiddleware(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	balancer := middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: target}})
	forward := middleware.ProxyWithConfig(middleware.ProxyConfig{Balancer: balancer})
	e.Group("/api", forward)
	e.Group("/auth", forward)

	return e
}

// requestMetricsMiddleware logs one structured line per proxied request.
func requestMetricsMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			fields := log.Fields{
				"method":   c.Request().Method,
				"path":     c.Request().URL.Path,
				"status":   status,
				"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Info("proxy.request")
			return err
		}
	}
}

// inflateRequestBody decompresses gzip request bodies before they are
// forwarded, since the remote API only accepts plain JSON.
func inflateRequestBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.Contains(strings.ToLower(req.Header.Get(echo.HeaderContentEncoding)), "gzip") {
				return next(c)
			}

			raw := req.Body
			inflated, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "request body is not valid gzip")
			}

			req.Body = &inflatedBody{gz: inflated, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// inflatedBody reads through the gzip stream and closes both layers.
type inflatedBody struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *inflatedBody) Close() error {
	gzErr := b.gz.Close()
	if err := b.raw.Close(); err != nil {
		return err
	}
	return gzErr
}
